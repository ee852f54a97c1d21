//go:build js

// Package browser backs the frame capabilities with the page's own DOM,
// WebAudio and messaging APIs through gopherjs.
package browser

import (
	"github.com/gopherjs/gopherjs/js"
)

// try runs fn and turns a JavaScript exception into an error.
func try(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			jsErr, ok := r.(*js.Error)
			if !ok {
				panic(r)
			}
			err = jsErr
		}
	}()
	fn()
	return nil
}

// defined reports whether o holds a value.
func defined(o *js.Object) bool {
	return o != nil && o != js.Undefined
}
