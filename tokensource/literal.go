package tokensource

import "context"

// Literal is a Source that always returns the same Response, regardless of
// FetchOptions. Useful in tests and for applications that mint tokens out
// of band (e.g. a backend that already minted one for this client).
type Literal struct {
	response Response
}

// NewLiteral wraps a fixed Response as a Source.
func NewLiteral(response Response) Literal {
	return Literal{response: response}
}

func (l Literal) Fetch(_ context.Context, _ FetchOptions) (Response, error) {
	return l.response, nil
}
