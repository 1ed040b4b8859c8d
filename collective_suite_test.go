package mpipe_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCollectiveOperations(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Collective Operations Suite")
}
