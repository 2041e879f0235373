package manager

import "fmt"

// InvalidFileError reports a submitted file that cannot be read.
type InvalidFileError struct {
	Name string
}

func (e *InvalidFileError) Error() string {
	return fmt.Sprintf("file %q is not readable", e.Name)
}

// MissingIdentityError reports a submission attempted without a user id.
type MissingIdentityError struct{}

func (e *MissingIdentityError) Error() string {
	return "no user id supplied for upload"
}

// ConfigurationError reports a missing or invalid setting detected before
// any network call is made.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Setting, e.Reason)
}
