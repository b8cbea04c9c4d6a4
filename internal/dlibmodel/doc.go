// Package dlibmodel extracts 128-dimensional face descriptors with dlib
// through github.com/Kagami/go-face. The real implementation needs cgo and
// the dlib libraries and is only built with the dlib build tag.
package dlibmodel
