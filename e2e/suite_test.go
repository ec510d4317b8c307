// Package e2e runs the end-to-end scenarios of spec.md §8 (S1-S6) against
// a real Kernel (store, crank, vat manager, subcluster manager) driven by
// in-memory fake vats, in the teacher's fuse/fs ginkgo+gomega idiom.
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package e2e

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestE2E(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ocap kernel e2e suite")
}
