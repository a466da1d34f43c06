package blob

import "errors"

// NotFound is returned when a key does not exist in a Store.
type NotFound struct {
	Key string
}

func (e NotFound) Error() string {
	return "blob: " + e.Key + " not found"
}

// IsNotFound reports whether err (or any error it wraps) is a NotFound.
func IsNotFound(err error) bool {
	var nf NotFound
	return errors.As(err, &nf)
}

// AlreadyExists is returned by PutIfAbsent when the key is already present.
type AlreadyExists struct {
	Key string
}

func (e AlreadyExists) Error() string {
	return "blob: " + e.Key + " already exists"
}

// IsAlreadyExists reports whether err (or any error it wraps) is an AlreadyExists.
func IsAlreadyExists(err error) bool {
	var ae AlreadyExists
	return errors.As(err, &ae)
}
