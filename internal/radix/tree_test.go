package radix

import (
	"fmt"
	"strings"
	"testing"
)

func TestInsertAndSearchLiterals(t *testing.T) {
	tree := New[string]()
	patterns := []string{"/", "/users", "/users/list", "/health", "/healthz"}
	for _, p := range patterns {
		if err := tree.Insert(p, p); err != nil {
			t.Fatalf("Insert(%q) error: %v", p, err)
		}
	}
	if tree.Len() != len(patterns) {
		t.Fatalf("Len() = %d, want %d", tree.Len(), len(patterns))
	}

	for _, p := range patterns {
		v, params, ok := tree.Search(p)
		if !ok {
			t.Fatalf("Search(%q) not found", p)
		}
		if v != p {
			t.Errorf("Search(%q) = %q, want %q", p, v, p)
		}
		if len(params) != 0 {
			t.Errorf("Search(%q) bound params %v, want none", p, params)
		}
	}

	for _, p := range []string{"/user", "/users/l", "/heal", "/healthzz", "/nope"} {
		if _, _, ok := tree.Search(p); ok {
			t.Errorf("Search(%q) found, want miss", p)
		}
	}
}

func TestParamBinding(t *testing.T) {
	tree := New[string]()
	if err := tree.Insert("/users/:id/posts/:pid", "post"); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	v, params, ok := tree.Search("/users/42/posts/9")
	if !ok {
		t.Fatal("Search(/users/42/posts/9) not found")
	}
	if v != "post" {
		t.Errorf("value = %q, want %q", v, "post")
	}
	if got := params.ByName("id"); got != "42" {
		t.Errorf("id = %q, want %q", got, "42")
	}
	if got := params.ByName("pid"); got != "9" {
		t.Errorf("pid = %q, want %q", got, "9")
	}

	// Extra trailing segment must not match.
	if _, _, ok := tree.Search("/users/42/posts/9/extra"); ok {
		t.Error("Search with extra trailing segment found, want miss")
	}
	// Missing trailing segment must not match either.
	if _, _, ok := tree.Search("/users/42/posts"); ok {
		t.Error("Search with missing segment found, want miss")
	}
}

func TestCurlyParamSyntax(t *testing.T) {
	tree := New[string]()
	if err := tree.Insert("/files/{name}", "file"); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	_, params, ok := tree.Search("/files/report.txt")
	if !ok {
		t.Fatal("Search(/files/report.txt) not found")
	}
	if got := params.ByName("name"); got != "report.txt" {
		t.Errorf("name = %q, want %q", got, "report.txt")
	}
}

func TestLiteralWinsOverParam(t *testing.T) {
	// Insertion order must not matter.
	orders := [][]string{
		{"/users/list", "/users/:id"},
		{"/users/:id", "/users/list"},
	}
	for i, patterns := range orders {
		t.Run(fmt.Sprintf("order%d", i), func(t *testing.T) {
			tree := New[string]()
			for _, p := range patterns {
				if err := tree.Insert(p, p); err != nil {
					t.Fatalf("Insert(%q) error: %v", p, err)
				}
			}

			v, params, ok := tree.Search("/users/list")
			if !ok {
				t.Fatal("Search(/users/list) not found")
			}
			if v != "/users/list" {
				t.Errorf("value = %q, want literal route", v)
			}
			if len(params) != 0 {
				t.Errorf("params = %v, want none", params)
			}

			v, params, ok = tree.Search("/users/7")
			if !ok {
				t.Fatal("Search(/users/7) not found")
			}
			if v != "/users/:id" {
				t.Errorf("value = %q, want param route", v)
			}
			if got := params.ByName("id"); got != "7" {
				t.Errorf("id = %q, want %q", got, "7")
			}
		})
	}
}

func TestParamFallbackAfterLiteralDeadEnd(t *testing.T) {
	tree := New[string]()
	for _, p := range []string{"/users/list", "/users/:id"} {
		if err := tree.Insert(p, p); err != nil {
			t.Fatalf("Insert(%q) error: %v", p, err)
		}
	}
	// "lost" shares a prefix with the literal "list" branch but cannot
	// complete it; the parameter must still bind.
	v, params, ok := tree.Search("/users/lost")
	if !ok {
		t.Fatal("Search(/users/lost) not found")
	}
	if v != "/users/:id" {
		t.Errorf("value = %q, want param route", v)
	}
	if got := params.ByName("id"); got != "lost" {
		t.Errorf("id = %q, want %q", got, "lost")
	}
}

func TestParamConflictRejected(t *testing.T) {
	tree := New[string]()
	if err := tree.Insert("/users/:id", "a"); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	err := tree.Insert("/users/:uid", "b")
	if err == nil {
		t.Fatal("Insert(/users/:uid) succeeded, want conflict error")
	}
	if !strings.Contains(err.Error(), ":uid") || !strings.Contains(err.Error(), ":id") {
		t.Errorf("error %q does not name both parameters", err)
	}

	// Same name at the same position is the same child, not a conflict.
	if err := tree.Insert("/users/:id/posts", "c"); err != nil {
		t.Fatalf("Insert(/users/:id/posts) error: %v", err)
	}
}

func TestDuplicateInsertOverwrites(t *testing.T) {
	tree := New[string]()
	if err := tree.Insert("/users/:id", "old"); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	if err := tree.Insert("/users/:id", "new"); err != nil {
		t.Fatalf("second Insert error: %v", err)
	}
	if tree.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tree.Len())
	}
	v, _, ok := tree.Search("/users/9")
	if !ok {
		t.Fatal("Search not found")
	}
	if v != "new" {
		t.Errorf("value = %q, want %q", v, "new")
	}
}

func TestEdgeSplitting(t *testing.T) {
	tree := New[string]()
	// Force repeated splits along a shared prefix.
	patterns := []string{"/static", "/statics", "/stable", "/stats/:kind", "/st"}
	for _, p := range patterns {
		if err := tree.Insert(p, p); err != nil {
			t.Fatalf("Insert(%q) error: %v", p, err)
		}
	}

	cases := map[string]string{
		"/static":      "/static",
		"/statics":     "/statics",
		"/stable":      "/stable",
		"/stats/daily": "/stats/:kind",
		"/st":          "/st",
	}
	for path, want := range cases {
		v, _, ok := tree.Search(path)
		if !ok {
			t.Fatalf("Search(%q) not found", path)
		}
		if v != want {
			t.Errorf("Search(%q) = %q, want %q", path, v, want)
		}
	}
	if _, _, ok := tree.Search("/sta"); ok {
		t.Error("Search(/sta) found, want miss (intermediate split node)")
	}
}

func TestNormalization(t *testing.T) {
	tree := New[string]()
	if err := tree.Insert("  users/profile/ ", "p"); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	for _, path := range []string{"/users/profile", "/users/profile/", "users/profile", " /users/profile "} {
		v, _, ok := tree.Search(path)
		if !ok {
			t.Fatalf("Search(%q) not found", path)
		}
		if v != "p" {
			t.Errorf("Search(%q) = %q, want %q", path, v, "p")
		}
	}

	if got := NormalizePath(""); got != "/" {
		t.Errorf("NormalizePath(%q) = %q, want %q", "", got, "/")
	}
	if got := NormalizePath("/"); got != "/" {
		t.Errorf("NormalizePath(%q) = %q, want %q", "/", got, "/")
	}
}

func TestCaseSensitivity(t *testing.T) {
	tree := New[string]()
	if err := tree.Insert("/Users", "u"); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	if _, _, ok := tree.Search("/users"); ok {
		t.Error("Search(/users) matched /Users, want case-sensitive miss")
	}
	if _, _, ok := tree.Search("/Users"); !ok {
		t.Error("Search(/Users) missed")
	}
}

func TestMalformedPatterns(t *testing.T) {
	tree := New[string]()
	for _, p := range []string{"/users/:", "/users/{}", "/users/{id", "/user:id", "/users/:id}x"} {
		if err := tree.Insert(p, "x"); err == nil {
			t.Errorf("Insert(%q) succeeded, want error", p)
		}
	}
}

func TestParamNeverBindsEmptySegment(t *testing.T) {
	tree := New[string]()
	if err := tree.Insert("/users/:id", "u"); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	// Normalization strips the trailing slash, so "/users/" is "/users".
	if _, _, ok := tree.Search("/users/"); ok {
		t.Error("Search(/users/) found, want miss")
	}
	if _, _, ok := tree.Search("/users"); ok {
		t.Error("Search(/users) found, want miss")
	}
}

func TestInsertionOrderDeterminism(t *testing.T) {
	patterns := []string{"/a/:x/c", "/a/b/c", "/a/b/:y", "/a/:x/:y", "/a/b", "/:root"}
	paths := []string{"/a/b/c", "/a/q/c", "/a/b/z", "/a/q/z", "/a/b", "/solo", "/a", "/a/q"}

	build := func(order []string) *Tree[string] {
		tree := New[string]()
		for _, p := range order {
			if err := tree.Insert(p, p); err != nil {
				t.Fatalf("Insert(%q) error: %v", p, err)
			}
		}
		return tree
	}

	reversed := make([]string, len(patterns))
	for i, p := range patterns {
		reversed[len(patterns)-1-i] = p
	}
	forward, backward := build(patterns), build(reversed)

	for _, path := range paths {
		v1, ps1, ok1 := forward.Search(path)
		v2, ps2, ok2 := backward.Search(path)
		if ok1 != ok2 || v1 != v2 {
			t.Errorf("Search(%q) differs by insertion order: (%q,%v) vs (%q,%v)", path, v1, ok1, v2, ok2)
		}
		if fmt.Sprint(ps1) != fmt.Sprint(ps2) {
			t.Errorf("Search(%q) params differ by insertion order: %v vs %v", path, ps1, ps2)
		}
	}
}

func BenchmarkSearch(b *testing.B) {
	tree := New[int]()
	for i := 0; i < 100; i++ {
		if err := tree.Insert(fmt.Sprintf("/api/v1/resource%d/:id/detail", i), i); err != nil {
			b.Fatalf("Insert error: %v", err)
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, ok := tree.Search("/api/v1/resource42/12345/detail"); !ok {
			b.Fatal("miss")
		}
	}
}
