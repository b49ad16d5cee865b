// Package ratelimit holds the gin middleware that throttles the dispatch
// trigger per client IP and the admin API per token subject.
package ratelimit
