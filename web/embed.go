package webassets

import _ "embed"

// Pages served by the loopback sign-in listener once the browser returns
// from the identity provider.

//go:embed signin_complete.html
var SignInCompleteHTML []byte

//go:embed signin_denied.html
var SignInDeniedHTML []byte
