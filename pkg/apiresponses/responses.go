/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiresponses

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Machine readable error codes carried in APIError.Code.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeBadRequest         = "BAD_REQUEST"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeTooManyRequests    = "TOO_MANY_REQUESTS"
)

// APIError is the body of every non-2xx response of the admin and trigger API.
type APIError struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func respond(c *gin.Context, status int, code, message, details string) {
	c.JSON(status, APIError{Error: message, Code: code, Details: details})
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func RespondNotFound(c *gin.Context, resourceType, resourceName string) {
	respond(c, http.StatusNotFound, CodeNotFound, fmt.Sprintf("%s not found: %s", resourceType, resourceName), "")
}

func RespondUnauthorizedWithMessage(c *gin.Context, message string) {
	respond(c, http.StatusUnauthorized, CodeUnauthorized, orDefault(message, "user not authenticated"), "")
}

// RespondForbidden is for authenticated callers lacking the required role,
// and for the dispatch trigger when no secret is configured.
func RespondForbidden(c *gin.Context, reason string) {
	respond(c, http.StatusForbidden, CodeForbidden, orDefault(reason, "access denied"), "")
}

func RespondBadRequest(c *gin.Context, message string) {
	respond(c, http.StatusBadRequest, CodeBadRequest, message, "")
}

func RespondBadRequestWithDetails(c *gin.Context, message, details string) {
	respond(c, http.StatusBadRequest, CodeBadRequest, message, details)
}

// RespondInternalError logs err and answers with a message that names only
// the failed operation, so driver errors never reach the client.
func RespondInternalError(c *gin.Context, operation string, err error, log *zap.SugaredLogger) {
	if log != nil {
		log.Errorw("Failed to "+operation, "error", err)
	}
	respond(c, http.StatusInternalServerError, CodeInternal, "failed to "+operation, "")
}

func RespondServiceUnavailable(c *gin.Context, service string) {
	respond(c, http.StatusServiceUnavailable, CodeServiceUnavailable, "service unavailable: "+service, "")
}

func RespondTooManyRequests(c *gin.Context, message string) {
	respond(c, http.StatusTooManyRequests, CodeTooManyRequests, message, "")
}

func RespondCreated(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, data)
}
