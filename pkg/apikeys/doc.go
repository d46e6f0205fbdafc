// Package apikeys validates workspace API keys and checks what they may do.
//
// An API key is evaluated independently of user and role grants. It carries a
// flat capability set (read, create, update, delete) and optional allow-lists
// of tables and views; an empty allow-list means unrestricted.
//
// # Key format
//
// Keys have the form gg_<base64url(32 random bytes)>. Only the SHA-256 hash of
// a key is stored; the plaintext is shown once when the key is created.
//
// # Validation
//
//	validator := apikeys.NewValidator(store,
//		apikeys.WithRateLimiter(apikeys.NewRedisRateLimiter(client, "gridguard:ratelimit")),
//		apikeys.WithMetrics(metrics),
//	)
//	key, err := validator.Validate(ctx, keyString, remoteIP)
//	switch {
//	case errors.Is(err, apikeys.ErrKeyExpired):
//		// tell the client to rotate
//	case err != nil:
//		// reject
//	}
//	if !apikeys.Check(key, rbac.OperationUpdate, &tableID, nil) {
//		// forbidden
//	}
//
// Each failure reason is a distinct sentinel so clients can tell a wrong key
// from a blocked address or an expired key.
//
// # Expiry
//
// Expired keys always fail validation. The Janitor additionally deactivates
// them on a cron schedule so listings reflect their state.
package apikeys
