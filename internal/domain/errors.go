package domain

import "errors"

var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrIdentityRevoked  = errors.New("identity token revoked")
	ErrRewardNotFound   = errors.New("reward definition not found")
	ErrAlreadyCreated   = errors.New("reward already created")
	ErrNotCreated       = errors.New("reward not created")
)
