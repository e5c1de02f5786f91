package models

// All returns every model managed by the security layer, in migration order.
func All() []interface{} {
	return []interface{}{
		&Staff{},
		&BlockedOrigin{},
		&AllowedOrigin{},
		&TrapHit{},
		&CapturedCredential{},
		&RevokedToken{},
		&SecurityDecision{},
		&SecurityAudit{},
	}
}
