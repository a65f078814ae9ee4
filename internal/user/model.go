package user

import (
	"strings"

	"github.com/juju/errors"
)

const minPasswordLength = 6

type User struct {
	ID         string `json:"_id" bson:"_id"`
	Username   string `json:"username" bson:"username"`
	FullName   string `json:"fullName" bson:"fullName"`
	Bio        string `json:"bio" bson:"bio"`
	ProfilePic string `json:"profilePic" bson:"profilePic"`
	Password   string `json:"-" bson:"password"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	FullName string `json:"fullName"`
	Password string `json:"password"`
}

func (r *RegisterRequest) Validate() error {
	r.Username = strings.TrimSpace(r.Username)
	r.FullName = strings.TrimSpace(r.FullName)
	if r.Username == "" || r.Password == "" {
		return errors.NotValidf("missing username or password")
	}
	if len(r.Password) < minPasswordLength {
		return errors.NotValidf("password shorter than %d characters", minPasswordLength)
	}
	return nil
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	User        User   `json:"userData"`
}

// ProfileUpdate replaces the display fields of a user. ProfilePic is a
// reference (usually a URL) to an image hosted elsewhere; nil keeps the
// current one.
type ProfileUpdate struct {
	FullName   string  `json:"fullName"`
	Bio        string  `json:"bio"`
	ProfilePic *string `json:"profilePic"`
}

func (p *ProfileUpdate) Validate() error {
	p.FullName = strings.TrimSpace(p.FullName)
	p.Bio = strings.TrimSpace(p.Bio)
	if p.FullName == "" {
		return errors.NotValidf("empty full name")
	}
	if p.ProfilePic != nil {
		pic := strings.TrimSpace(*p.ProfilePic)
		p.ProfilePic = &pic
	}
	return nil
}
