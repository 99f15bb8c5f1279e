package mock

import (
	"encoding/base64"
	"encoding/json"
)

// jwtHeader is base64url({"alg":"HS256","typ":"JWT"}).
//
// SECURITY WARNING: tokens built here carry a fixed fake signature. They are
// for exercising claim extraction in tests and must never be accepted by
// anything that verifies signatures.
const jwtHeader = "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9"

const fakeSignature = "c2lnbmF0dXJl"

// AccessToken builds an unsigned-in-spirit JWT carrying claims.
func AccessToken(claims map[string]interface{}) string {
	payload, err := json.Marshal(claims)
	if err != nil {
		panic(err)
	}
	return jwtHeader + "." + base64.RawURLEncoding.EncodeToString(payload) + "." + fakeSignature
}
