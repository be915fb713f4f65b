package schema

import "time"

// Credential is the in-memory bearer credential. Only RefreshToken is ever
// persisted, and only by the credential store.
type Credential struct {
	AccessToken  string
	Expiry       time.Time
	RefreshToken string
}

// Complete reports whether every field is populated. A credential is either
// complete or absent; partial values are never installed.
func (c *Credential) Complete() bool {
	return c != nil && c.AccessToken != "" && !c.Expiry.IsZero() && c.RefreshToken != ""
}

// ValidFor reports whether the access token is still usable margin from now.
func (c *Credential) ValidFor(now time.Time, margin time.Duration) bool {
	return c.Complete() && now.Add(margin).Before(c.Expiry)
}

// String never prints token material.
func (c Credential) String() string {
	if !c.Complete() {
		return "credential(absent)"
	}
	return "credential(expires " + c.Expiry.Format(time.RFC3339) + ")"
}
