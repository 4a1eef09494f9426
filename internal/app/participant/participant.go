/*
Package participant holds the display profile a participant supplies when it asks for a match.

A participant has no stored record of its own: it is the union of its profile entry, its
waiting-pool membership and its partner link, all kept by the state backend.
*/
package participant

import (
	"strings"
	"unicode/utf8"

	"pairup/internal/pkg/errs"
)

const (
	// MaxNicknameLength is the maximum nickname length in characters, after trimming.
	MaxNicknameLength = 50

	// DefaultNickname is shown for a participant without a profile.
	DefaultNickname = "Anonymous"

	// DefaultGender is used for a participant without a profile or with an empty gender.
	DefaultGender = "unknown"
)

// Profile is the unauthenticated display record sent with "ready".
type Profile struct {
	Nickname string `json:"nickname"`
	Gender   string `json:"gender"`
}

// DefaultProfile is what readers see when no profile is stored.
func DefaultProfile() Profile {
	return Profile{Nickname: DefaultNickname, Gender: DefaultGender}
}

// ValidateProfile normalizes a "ready" profile. nickname must be 1..MaxNicknameLength
// characters after trimming; gender must be present (nil means the field was missing).
// An empty gender is stored as DefaultGender.
func ValidateProfile(nickname string, gender *string) (Profile, *errs.CustomError) {
	nickname = strings.TrimSpace(nickname)

	if n := utf8.RuneCountInString(nickname); n == 0 || n > MaxNicknameLength {
		return Profile{}, errs.NewError(errs.ErrInvalidParams)
	}

	if gender == nil {
		return Profile{}, errs.NewError(errs.ErrInvalidParams)
	}

	g := strings.TrimSpace(*gender)
	if g == "" {
		g = DefaultGender
	}

	return Profile{Nickname: nickname, Gender: g}, nil
}
