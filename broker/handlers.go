package broker

// HandlerFunc runs one task and returns the paths of what it produced.
// A returned error, or a panic, becomes the Error of the TaskResult.
type HandlerFunc func(c *Context) ([]string, error)
