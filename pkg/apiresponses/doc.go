// Package apiresponses provides the standardized JSON error and success
// responses shared by the api handlers and the rate limiting middleware.
package apiresponses
