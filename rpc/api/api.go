// Package api holds the JSON messages of the HTTP API.
package api

import (
	"github.com/spacemeshos/starledger/chain"
	"github.com/spacemeshos/starledger/validation"
)

type RequestValidationRequest struct {
	Address string `json:"address"`
}

type ValidateSignatureRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// ValidateSignatureResponse is returned with 200 when the address is
// authorized to register a star and with 401 otherwise.
type ValidateSignatureResponse = validation.Result

// RegisterStarRequest carries the story as plain ASCII text.
type RegisterStarRequest struct {
	Address string      `json:"address"`
	Star    *chain.Star `json:"star"`
}

type HeightResponse struct {
	Height int64 `json:"height"`
}

type ErrorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}
