package orthanc

import (
	"fmt"

	"github.com/juju/errors"
)

// HTTPError is a non-2xx answer other than 404
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsNotFound reports whether err means the resource does not exist on the server
func IsNotFound(err error) bool {
	return errors.Is(err, errors.NotFound)
}

func notFound(method, path string) error {
	return errors.NotFoundf("%s %s", method, path)
}
