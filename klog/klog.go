// Package klog is the kernel's leveled logger, in the teacher's nlog idiom:
// a handful of Xln helpers gated by a package-level verbosity knob, rather
// than a structured-logging framework. The teacher hand-rolls this too, so
// it is carried over as-is instead of swapped for a third-party logger.
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package klog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

var verbosity int32

// SetVerbosity sets the global verbosity level; V(n) gates on it.
func SetVerbosity(v int) { atomic.StoreInt32(&verbosity, int32(v)) }

// V reports whether level n logging is currently enabled.
func V(n int) bool { return atomic.LoadInt32(&verbosity) >= int32(n) }

var out = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

func Infoln(args ...any)  { out.Println(append([]any{"I"}, args...)...) }
func Infof(format string, args ...any) { out.Printf("I "+format, args...) }

func Warningln(args ...any) { out.Println(append([]any{"W"}, args...)...) }
func Warningf(format string, args ...any) { out.Printf("W "+format, args...) }

func Errorln(args ...any) { out.Println(append([]any{"E"}, args...)...) }
func Errorf(format string, args ...any) { out.Printf("E "+format, args...) }

func Fatalln(args ...any) { out.Fatalln(append([]any{"F"}, args...)...) }

// VInfoln logs at Infoln only when V(n) is enabled; the teacher's
// cmn.Rom.FastV(n, module) check, simplified to a single global knob since
// this kernel has no per-module sub-verbosity.
func VInfoln(n int, args ...any) {
	if V(n) {
		Infoln(args...)
	}
}

func Sprint(args ...any) string { return fmt.Sprint(args...) }
