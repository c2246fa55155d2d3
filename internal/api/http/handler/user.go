package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dtroode/userdir-server/internal/apierror"
	"github.com/dtroode/userdir-server/internal/logger"
	"github.com/dtroode/userdir-server/internal/model"
	"github.com/dtroode/userdir-server/internal/service"
)

// UserService defines business operations for the user directory.
type UserService interface {
	List(ctx context.Context, query model.UserQuery) (model.UserPage, error)
	Get(ctx context.Context, id string) (model.User, error)
	Create(ctx context.Context, fields model.UserFields) (model.User, error)
	Update(ctx context.Context, id string, patch model.UserPatch) (model.User, error)
	Delete(ctx context.Context, id string) (model.User, error)
}

// userRequest is the body of create and update requests. A field that is
// absent or null is nil.
type userRequest struct {
	Name    *string `json:"name"`
	Email   *string `json:"email"`
	Age     *int    `json:"age"`
	Address *string `json:"address"`
}

func (r userRequest) fields() model.UserFields {
	var f model.UserFields
	if r.Name != nil {
		f.Name = *r.Name
	}
	if r.Email != nil {
		f.Email = *r.Email
	}
	if r.Address != nil {
		f.Address = *r.Address
	}
	f.Age = r.Age
	return f
}

func (r userRequest) patch() model.UserPatch {
	return model.UserPatch{
		Name:    r.Name,
		Email:   r.Email,
		Age:     r.Age,
		Address: r.Address,
	}
}

// listResponse carries the page under both users and data; clients use either.
type listResponse struct {
	Users      []model.User `json:"users"`
	Total      int64        `json:"total"`
	Page       int          `json:"page"`
	TotalPages int          `json:"totalPages"`
	Data       []model.User `json:"data"`
}

type userResponse struct {
	Message string     `json:"message"`
	Data    model.User `json:"data"`
}

// User handles HTTP endpoints for users.
type User struct {
	userService UserService
	logger      *logger.Logger
}

// NewUser creates a new User handler.
func NewUser(userService UserService, logger *logger.Logger) *User {
	return &User{
		userService: userService,
		logger:      logger,
	}
}

// List serves GET /api/users?page=&limit=&search=.
func (h *User) List(c *gin.Context) {
	query := model.UserQuery{
		Page:   queryInt(c, "page", service.DefaultPage),
		Limit:  queryInt(c, "limit", service.DefaultLimit),
		Search: c.Query("search"),
	}

	h.logger.Debug("User handler: processing list request",
		"page", query.Page,
		"limit", query.Limit,
		"search", query.Search)

	page, err := h.userService.List(c.Request.Context(), query)
	if err != nil {
		h.fail(c, "list users", err)
		return
	}

	users := page.Users
	if users == nil {
		users = []model.User{}
	}

	c.JSON(http.StatusOK, listResponse{
		Users:      users,
		Total:      page.Total,
		Page:       page.Page,
		TotalPages: page.TotalPages,
		Data:       users,
	})
}

// Get serves GET /api/users/:id.
func (h *User) Get(c *gin.Context) {
	user, err := h.userService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get user", err)
		return
	}

	c.JSON(http.StatusOK, userResponse{Message: "User retrieved successfully", Data: user})
}

// Create serves POST /api/users.
func (h *User) Create(c *gin.Context) {
	req, err := bindUser(c)
	if err != nil {
		h.fail(c, "create user", err)
		return
	}

	user, err := h.userService.Create(c.Request.Context(), req.fields())
	if err != nil {
		h.fail(c, "create user", err)
		return
	}

	c.JSON(http.StatusCreated, userResponse{Message: "User created successfully", Data: user})
}

// Update serves PUT /api/users/:id.
func (h *User) Update(c *gin.Context) {
	req, err := bindUser(c)
	if err != nil {
		h.fail(c, "update user", err)
		return
	}

	user, err := h.userService.Update(c.Request.Context(), c.Param("id"), req.patch())
	if err != nil {
		h.fail(c, "update user", err)
		return
	}

	c.JSON(http.StatusOK, userResponse{Message: "User updated successfully", Data: user})
}

// Delete serves DELETE /api/users/:id.
func (h *User) Delete(c *gin.Context) {
	user, err := h.userService.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "delete user", err)
		return
	}

	c.JSON(http.StatusOK, userResponse{Message: "User deleted successfully", Data: user})
}

func (h *User) fail(c *gin.Context, action string, err error) {
	status, body := handleError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("User handler: "+action+" failed",
			"path", c.Request.URL.Path,
			"error", err.Error())
		_ = c.Error(err)
	}
	c.JSON(status, body)
}

// bindUser decodes the request body. An empty body is an empty request.
func bindUser(c *gin.Context) (userRequest, error) {
	var req userRequest
	err := c.ShouldBindJSON(&req)
	if err == nil || errors.Is(err, io.EOF) {
		return req, nil
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return userRequest{}, apierror.NewValidation(
			fmt.Sprintf("invalid value for %s: expected %s", typeErr.Field, typeErr.Type), err)
	}
	return userRequest{}, apierror.NewValidation("invalid request body", err)
}

// queryInt returns the integer query parameter key, or def when it is
// missing or not an integer.
func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(c.Query(key)))
	if err != nil {
		return def
	}
	return v
}
