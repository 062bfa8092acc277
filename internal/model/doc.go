// Package model contains interfaces shared across packages. This package
// must not depend on any other package of this repository.
package model
