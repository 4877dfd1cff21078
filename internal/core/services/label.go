package services

import "crypto/rand"

const labelLength = 36

const labelAlphabet = "0123456789" +
	"abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// randomLabel returns a 36 character random token used to identify
// requests. Uniqueness against the live request table is checked by the
// caller. Bytes at or above the largest multiple of the alphabet size
// are rejected so every character is equally likely.
func randomLabel() string {
	const limit = byte(256 - 256%len(labelAlphabet))
	out := make([]byte, 0, labelLength)
	buf := make([]byte, labelLength)
	for {
		if _, err := rand.Read(buf); err != nil {
			panic("label generation: " + err.Error())
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, labelAlphabet[int(b)%len(labelAlphabet)])
			if len(out) == labelLength {
				return string(out)
			}
		}
	}
}
