package services

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/medeval/apiserver/internal/store"
	"github.com/medeval/apiserver/types"
	"github.com/samber/oops"
)

var (
	// ErrIdentifierTaken is returned when another user already owns the
	// login identifier.
	ErrIdentifierTaken = errors.New("identifier already exists")

	// ErrInvalidInput wraps every validation failure of a user input.
	ErrInvalidInput = errors.New("invalid user input")
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id int) (types.User, error)
	GetByIdentifier(ctx context.Context, identifier string) (types.User, error)
	List(ctx context.Context, offset, limit int) ([]types.User, int, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	Update(ctx context.Context, user types.User) (types.User, error)
	Delete(ctx context.Context, id int) error
}

// PasswordHasher hashes new passwords before they are stored.
type PasswordHasher interface {
	Hash(password string) (string, error)
}

// CreateUserInput carries the fields of a new account.
type CreateUserInput struct {
	Identifier  string
	DisplayName string
	Role        string
	Password    string
}

// UpdateUserInput carries changed fields. Nil fields are left untouched.
type UpdateUserInput struct {
	Identifier  *string
	DisplayName *string
	Role        *string
	Password    *string
}

// UserService encapsulates user use-cases.
type UserService struct {
	repo            UserRepository
	hasher          PasswordHasher
	minSecretLength int
}

func NewUserService(repo UserRepository, hasher PasswordHasher, minSecretLength int) *UserService {
	if minSecretLength < 1 {
		minSecretLength = 6
	}
	return &UserService{repo: repo, hasher: hasher, minSecretLength: minSecretLength}
}

func (s *UserService) GetByID(ctx context.Context, id int) (types.User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *UserService) GetByIdentifier(ctx context.Context, identifier string) (types.User, error) {
	return s.repo.GetByIdentifier(ctx, strings.TrimSpace(identifier))
}

func (s *UserService) List(ctx context.Context, offset, limit int) ([]types.User, int, error) {
	return s.repo.List(ctx, offset, limit)
}

// Create validates the input, hashes the password and stores the account.
func (s *UserService) Create(ctx context.Context, in CreateUserInput) (types.User, error) {
	identifier := strings.TrimSpace(in.Identifier)
	if identifier == "" {
		return types.User{}, invalid("identifier is required")
	}
	name := strings.TrimSpace(in.DisplayName)
	if name == "" {
		return types.User{}, invalid("display name is required")
	}
	role, ok := types.ParseRole(in.Role)
	if !ok {
		return types.User{}, invalid("role must be COORDINATOR or RESIDENT")
	}
	hash, err := s.hashPassword(in.Password)
	if err != nil {
		return types.User{}, err
	}

	user, err := s.repo.Create(ctx, types.User{
		Identifier:   identifier,
		DisplayName:  name,
		Role:         role,
		PasswordHash: hash,
	})
	if err != nil {
		return types.User{}, mapRepoError(err, identifier)
	}
	return user, nil
}

// Update applies the non-nil fields of in to the stored account. Tokens that
// were already issued keep their old claims until they expire.
func (s *UserService) Update(ctx context.Context, id int, in UpdateUserInput) (types.User, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return types.User{}, err
	}

	if in.Identifier != nil {
		identifier := strings.TrimSpace(*in.Identifier)
		if identifier == "" {
			return types.User{}, invalid("identifier is required")
		}
		user.Identifier = identifier
	}
	if in.DisplayName != nil {
		name := strings.TrimSpace(*in.DisplayName)
		if name == "" {
			return types.User{}, invalid("display name is required")
		}
		user.DisplayName = name
	}
	if in.Role != nil {
		role, ok := types.ParseRole(*in.Role)
		if !ok {
			return types.User{}, invalid("role must be COORDINATOR or RESIDENT")
		}
		user.Role = role
	}
	if in.Password != nil {
		hash, err := s.hashPassword(*in.Password)
		if err != nil {
			return types.User{}, err
		}
		user.PasswordHash = hash
	}

	updated, err := s.repo.Update(ctx, user)
	if err != nil {
		return types.User{}, mapRepoError(err, user.Identifier)
	}
	return updated, nil
}

func (s *UserService) Delete(ctx context.Context, id int) error {
	return s.repo.Delete(ctx, id)
}

func (s *UserService) hashPassword(password string) (string, error) {
	if utf8.RuneCountInString(password) < s.minSecretLength {
		return "", invalid("password is too short")
	}
	if len(password) > 72 {
		return "", invalid("password is too long")
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return "", oops.Code("USER_HASH_FAILED").Wrap(err)
	}
	return hash, nil
}

// ValidationError describes which field of a user input was rejected.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

func invalid(msg string) error {
	return oops.Code("USER_INVALID_INPUT").Wrap(&ValidationError{Message: msg})
}

func mapRepoError(err error, identifier string) error {
	if errors.Is(err, store.ErrConflict) {
		return oops.Code("USER_IDENTIFIER_TAKEN").With("identifier", identifier).Wrap(ErrIdentifierTaken)
	}
	return err
}

// ValidationMessage returns the user-facing message of a validation error.
func ValidationMessage(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Message
	}
	return "invalid request"
}
