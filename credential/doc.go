// Package credential resolves the API credentials used to reach the remote
// model service.
//
// Configuration values are expanded strictly: ${VAR} must be set, and $$
// escapes a literal dollar. References of the form
// secretref:<provider>:<ref> are then resolved by a Provider; env and file
// providers are built in:
//
//	key, err := credential.Resolve(ctx, "secretref:file:/run/secrets/openai")
//
// A Source supplies the bearer token for each call, either a Static key or
// a JWTSource that signs short-lived HS256 tokens.
package credential
