package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/gitgenie/genie/internal/orchestrator"
	"github.com/gitgenie/genie/internal/proxy"
)

// Identity set by the authenticating layer in front of the API.
const (
	UserHeader = "X-Genie-User"
	UserCookie = "genie_user"
)

type runRequest struct {
	Name      string `param:"name" json:"-" validate:"required,project_name"`
	LocalPath string `json:"local_path" validate:"required"`
}

type projectRequest struct {
	Name string `param:"name" json:"-" validate:"required,project_name"`
}

type proxyRequest struct {
	Project string `query:"project" validate:"required,project_name"`
	Port    int    `query:"port" validate:"omitempty,min=1,max=65535"`
}

// statusResponse flattens the status next to the common response fields.
type statusResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Logs    []string `json:"logs"`
	orchestrator.Status
}

// userID returns the caller's id, or "" when the request carries none.
func userID(c echo.Context) string {
	if id := strings.TrimSpace(c.Request().Header.Get(UserHeader)); id != "" {
		return id
	}
	if cookie, err := c.Cookie(UserCookie); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return BadRequestError("Invalid request body", err.Error())
	}
	return c.Validate(req)
}

// result answers a finished operation. Failures keep the operation's logs.
func result(c echo.Context, res orchestrator.Result, err error) error {
	if err != nil {
		return OperationError(res, err)
	}
	if res.Logs == nil {
		res.Logs = []string{}
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) runProject(c echo.Context) error {
	var req runRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	res, err := s.lifecycle.RunNewProject(c.Request().Context(), orchestrator.RunRequest{
		UserID:    userID(c),
		Name:      req.Name,
		LocalPath: req.LocalPath,
	})
	return result(c, res, err)
}

func (s *Server) projectStatus(c echo.Context) error {
	var req projectRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	st, err := s.lifecycle.CheckStatus(c.Request().Context(), userID(c), req.Name)
	if err != nil {
		return OperationError(orchestrator.Result{}, err)
	}
	msg := "project is not running"
	if st.IsRunning {
		msg = "project is running"
	}
	return c.JSON(http.StatusOK, statusResponse{Success: true, Message: msg, Logs: []string{}, Status: st})
}

func (s *Server) restartProject(c echo.Context) error {
	var req projectRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	res, err := s.lifecycle.RestartInPlace(c.Request().Context(), userID(c), req.Name)
	return result(c, res, err)
}

func (s *Server) stopProject(c echo.Context) error {
	var req projectRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	res, err := s.lifecycle.StopProject(c.Request().Context(), userID(c), req.Name)
	return result(c, res, err)
}

// forward proxies the request. Only the query is bound so the body reaches
// the project untouched.
func (s *Server) forward(c echo.Context) error {
	var req proxyRequest
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &req); err != nil {
		return BadRequestError("Invalid proxy query", err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	h := c.Response().Header()
	h.Del("X-Frame-Options")
	h.Del("X-Content-Type-Options")

	return s.proxy.Forward(c.Response(), c.Request(), proxy.Target{
		UserID:  userID(c),
		Project: req.Project,
		Port:    req.Port,
	})
}
