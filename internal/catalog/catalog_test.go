package catalog

import (
	"testing"
)

func TestBareNameResolvesToFirstDeclaredProvider(t *testing.T) {
	c := New()
	c.SetProvider("beta", 1, []ToolDescriptor{{Provider: "beta", Name: "search"}}, nil)
	c.SetProvider("alpha", 0, []ToolDescriptor{{Provider: "alpha", Name: "search"}}, nil)

	d, ok := c.Resolve("search")
	if !ok {
		t.Fatal("search not found")
	}
	if d.Provider != "alpha" {
		t.Fatalf("resolved to %q, want alpha (declared first)", d.Provider)
	}
}

func TestQualifiedNameResolvesExactProvider(t *testing.T) {
	c := New()
	c.SetProvider("alpha", 0, []ToolDescriptor{{Provider: "alpha", Name: "search"}}, nil)
	c.SetProvider("beta", 1, []ToolDescriptor{{Provider: "beta", Name: "search"}}, nil)

	d, ok := c.Resolve("beta/search")
	if !ok || d.Provider != "beta" {
		t.Fatalf("beta/search resolved to %+v, ok=%v", d, ok)
	}
	if _, ok := c.Resolve("gamma/search"); ok {
		t.Fatal("resolved a tool for an unknown provider")
	}
}

func TestListingFollowsDeclarationOrder(t *testing.T) {
	c := New()
	c.SetProvider("beta", 1, []ToolDescriptor{
		{Provider: "beta", Name: "b1"},
		{Provider: "beta", Name: "b2"},
	}, nil)
	c.SetProvider("alpha", 0, []ToolDescriptor{
		{Provider: "alpha", Name: "a1"},
	}, nil)

	var names []string
	for _, d := range c.Tools() {
		names = append(names, d.Provider+"/"+d.Name)
	}
	want := []string{"alpha/a1", "beta/b1", "beta/b2"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("tools[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestRemoveProviderWithdrawsEntries(t *testing.T) {
	c := New()
	c.SetProvider("files", 0,
		[]ToolDescriptor{{Provider: "files", Name: "read_file"}},
		[]ResourceDescriptor{{Provider: "files", URI: "file:///tmp/a"}},
	)

	c.RemoveProvider("files")
	if _, ok := c.Resolve("read_file"); ok {
		t.Fatal("tool still resolvable after provider removed")
	}
	if _, ok := c.ResolveResource("file:///tmp/a"); ok {
		t.Fatal("resource still resolvable after provider removed")
	}
	if n := len(c.Tools()); n != 0 {
		t.Fatalf("Tools() has %d entries after removal", n)
	}
}

func TestSetProviderReplacesPreviousEntries(t *testing.T) {
	c := New()
	c.SetProvider("files", 0, []ToolDescriptor{{Provider: "files", Name: "old_tool"}}, nil)
	c.SetProvider("files", 0, []ToolDescriptor{{Provider: "files", Name: "new_tool"}}, nil)

	if _, ok := c.Resolve("old_tool"); ok {
		t.Fatal("stale tool survived republish")
	}
	if _, ok := c.Resolve("new_tool"); !ok {
		t.Fatal("new tool missing after republish")
	}
}

func TestResolveResource(t *testing.T) {
	c := New()
	c.SetProvider("files", 0, nil, []ResourceDescriptor{
		{Provider: "files", URI: "file:///data/report.csv", MimeType: "text/csv"},
	})

	r, ok := c.ResolveResource("file:///data/report.csv")
	if !ok {
		t.Fatal("resource not found")
	}
	if r.MimeType != "text/csv" {
		t.Fatalf("mime = %q", r.MimeType)
	}
	if _, ok := c.ResolveResource("file:///other"); ok {
		t.Fatal("unknown URI resolved")
	}
}
