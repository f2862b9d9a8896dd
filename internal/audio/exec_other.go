//go:build !unix

package audio

import "errors"

// NewExec is only available on unix hosts, where the player process can be
// suspended and resumed.
func NewExec(command string) (Output, error) {
	return nil, errors.New("exec audio output requires a unix host")
}
