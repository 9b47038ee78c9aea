/*
Copyright 2024 The BrokerLB Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package general

import (
	"fmt"

	"k8s.io/klog/v2"
)

// Infof logs at info level through klog, kept as a thin indirection so
// call sites don't import klog directly.
func Infof(format string, args ...interface{}) {
	klog.InfoDepth(1, fmt.Sprintf(format, args...))
}

// InfoS logs a structured message: a short message plus key/value pairs.
func InfoS(msg string, keysAndValues ...interface{}) {
	klog.InfoS(msg, keysAndValues...)
}

// Warningf logs at warning level.
func Warningf(format string, args ...interface{}) {
	klog.WarningDepth(1, fmt.Sprintf(format, args...))
}

// Errorf logs at error level.
func Errorf(format string, args ...interface{}) {
	klog.ErrorDepth(1, fmt.Sprintf(format, args...))
}

// ErrorS logs an error with a message and key/value pairs.
func ErrorS(err error, msg string, keysAndValues ...interface{}) {
	klog.ErrorS(err, msg, keysAndValues...)
}

// ToString renders v for logging, falling back to %+v.
func ToString(v interface{}) string {
	return fmt.Sprintf("%+v", v)
}
