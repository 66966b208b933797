package domain

// Session is the authenticated credential pair bound to an identity.
type Session struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	PDSURL     string `json:"pdsUrl"`
}

// Valid reports whether the session carries enough to make authorized calls.
func (s *Session) Valid() bool {
	return s != nil && s.DID != "" && s.AccessJwt != "" && s.RefreshJwt != ""
}
