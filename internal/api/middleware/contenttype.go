package middleware

import (
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// ContentType defaults API responses to JSON. Handlers may override it.
var ContentType = chimiddleware.SetHeader("Content-Type", "application/json")
