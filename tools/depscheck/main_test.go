package main

import (
	"strings"
	"testing"
)

func TestViolationsFlagsCrossSideImports(t *testing.T) {
	pkgs := []packageInfo{
		{ImportPath: modulePrefix + "proxy", Imports: []string{modulePrefix + "router", modulePrefix + "net/proto"}},
		{ImportPath: modulePrefix + "router", Imports: []string{modulePrefix + "egress"}},
		{ImportPath: modulePrefix + "simhost", Imports: []string{modulePrefix + "net/link", modulePrefix + "registry"}},
		{ImportPath: modulePrefix + "simulation", Imports: []string{modulePrefix + "proxy"}},
	}
	found := violations(pkgs, rules)
	want := []string{
		modulePrefix + "router -> " + modulePrefix + "egress",
		modulePrefix + "simhost -> " + modulePrefix + "registry",
	}
	if strings.Join(found, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected violations:\n%s", strings.Join(found, "\n"))
	}
}

func TestDecodePackagesReadsJSONStream(t *testing.T) {
	stream := `{"ImportPath":"a","Imports":["b"]}
{"ImportPath":"c"}`
	pkgs, err := decodePackages(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pkgs) != 2 || pkgs[0].Imports[0] != "b" || pkgs[1].ImportPath != "c" {
		t.Fatalf("unexpected packages %+v", pkgs)
	}
}
