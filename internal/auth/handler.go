package auth

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"bridge-backend/internal/apperr"
	"bridge-backend/internal/store"
)

// Handler handles authentication endpoints.
type Handler struct {
	store     *store.Store
	jwtSecret string
}

func NewHandler(s *store.Store, jwtSecret string) *Handler {
	return &Handler{store: s, jwtSecret: jwtSecret}
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return apperr.New("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return apperr.AuthenticationFailed("Email and password are required")
	}

	user, err := h.findUserByEmail(c.Context(), body.Email)
	if err != nil {
		return apperr.AuthenticationFailed("Invalid email or password")
	}

	active, _ := user["active"].(bool)
	if !active {
		return apperr.AuthenticationFailed("Account is disabled")
	}

	passwordHash, _ := user["password_hash"].(string)
	if !CheckPassword(body.Password, passwordHash) {
		return apperr.AuthenticationFailed("Invalid email or password")
	}

	userID, _ := user["id"].(string)
	email, _ := user["email"].(string)
	roles := extractRoles(user["roles"])

	token, err := GenerateAccessToken(userID, email, roles, h.jwtSecret)
	if err != nil {
		return apperr.New("INTERNAL_ERROR", 500, "Failed to generate access token")
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"access_token": token}})
}

// CreateUser handles POST /api/users. Admins only; new operators get the
// operator role unless roles are given.
func (h *Handler) CreateUser(c *fiber.Ctx) error {
	if op := GetOperator(c); op == nil || !op.IsAdmin() {
		return apperr.New("FORBIDDEN", 403, "admin role required to create users")
	}

	var body struct {
		Email    string   `json:"email"`
		Password string   `json:"password"`
		Roles    []string `json:"roles"`
	}
	if err := c.BodyParser(&body); err != nil {
		return apperr.New("INVALID_PAYLOAD", 400, "Invalid request body")
	}

	var details []apperr.ErrorDetail
	if body.Email == "" {
		details = append(details, apperr.ErrorDetail{Field: "email", Rule: "required", Message: "email is required"})
	}
	if len(body.Password) < 8 {
		details = append(details, apperr.ErrorDetail{Field: "password", Rule: "min_length", Message: "password must be at least 8 characters"})
	}
	if details != nil {
		return apperr.ValidationFailed(details)
	}
	if len(body.Roles) == 0 {
		body.Roles = []string{"operator"}
	}

	hash, err := HashPassword(body.Password)
	if err != nil {
		return err
	}

	row, err := store.QueryRow(c.UserContext(), h.store.Pool,
		`INSERT INTO _users (email, password_hash, roles)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (email) DO NOTHING
		 RETURNING id, email`,
		body.Email, hash, body.Roles)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New("EMAIL_TAKEN", 409, "A user with that email already exists")
		}
		return err
	}

	return c.Status(201).JSON(fiber.Map{"data": fiber.Map{
		"id":    row["id"],
		"email": row["email"],
		"roles": body.Roles,
	}})
}

// RegisterRoutes registers auth routes on the given Fiber app. Login is
// open; user management sits behind the JWT middleware.
func RegisterRoutes(app *fiber.App, h *Handler) {
	app.Post("/api/auth/login", h.Login)
	app.Post("/api/users", Middleware(h.jwtSecret), h.CreateUser)
}

func (h *Handler) findUserByEmail(ctx context.Context, email string) (map[string]any, error) {
	return store.QueryRow(ctx, h.store.Pool,
		"SELECT id, email, password_hash, roles, active FROM _users WHERE email = $1", email)
}

func extractRoles(v any) []string {
	switch roles := v.(type) {
	case []string:
		return roles
	case []any:
		result := make([]string, 0, len(roles))
		for _, r := range roles {
			if s, ok := r.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return []string{}
	}
}
