package authstore

// AuthBundle is the backend-issued session: access and refresh tokens plus an
// embedded profile snapshot. It is written wholesale on sign-in, has its token
// pair replaced on refresh, and is removed on logout.
type AuthBundle struct {
	Token        string         `json:"token"`
	RefreshToken string         `json:"refreshToken"`
	IsNew        bool           `json:"isNew"`
	UserDetails  CustomerRecord `json:"userDetails"`
}

// CustomerRecord is the backend-side customer profile embedded in the bundle
// and cached separately for fast reads on startup.
type CustomerRecord struct {
	CustomerID     int64   `json:"customerId"`
	FirstName      string  `json:"firstName"`
	LastName       string  `json:"lastName"`
	Email          string  `json:"email"`
	Mobile         string  `json:"mobile,omitempty"`
	ProfilePicture string  `json:"profilePicture,omitempty"`
	City           string  `json:"city,omitempty"`
	Country        string  `json:"country,omitempty"`
	Rating         float64 `json:"rating,omitempty"`
	TotalReviews   int     `json:"totalReviews,omitempty"`
	MemberSince    string  `json:"memberSince,omitempty"`
	Verified       bool    `json:"verified,omitempty"`
}
