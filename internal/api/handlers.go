package api

// Handlers holds the route handlers for the Read API.
type Handlers struct {
	deps Deps
}
