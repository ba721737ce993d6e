package helper_test

import (
	"net/url"
	"os"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/jnestelroad/aether-go/internal/helper"
)

func TestCanonicalAddrAddsDefaultHTTPPort(t *testing.T) {
	c := qt.New(t)

	u, _ := url.Parse("http://example.com/path")
	addr := helper.CanonicalAddr(u)

	c.Assert(addr, qt.Equals, "example.com:80")
}

func TestCanonicalAddrAddsDefaultHTTPSPort(t *testing.T) {
	c := qt.New(t)

	u, _ := url.Parse("https://example.com/path")
	addr := helper.CanonicalAddr(u)

	c.Assert(addr, qt.Equals, "example.com:443")
}

func TestCanonicalAddrPreservesExplicitPort(t *testing.T) {
	c := qt.New(t)

	u, _ := url.Parse("http://example.com:8080/path")
	addr := helper.CanonicalAddr(u)

	c.Assert(addr, qt.Equals, "example.com:8080")
}

func TestNewStructFromFileLoadsJSON(t *testing.T) {
	c := qt.New(t)

	type sample struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}

	content := []byte(`{"name":"alice","age":30}`)
	dir := t.TempDir()
	file := dir + "/sample.json"

	writeErr := os.WriteFile(file, content, 0o644)
	c.Assert(writeErr, qt.IsNil)

	var out sample
	loadErr := helper.NewStructFromFile(file, &out)

	c.Assert(loadErr, qt.IsNil)
	c.Assert(out.Name, qt.Equals, "alice")
	c.Assert(out.Age, qt.Equals, 30)
}
