// Command depscheck fails when a proxy-side package imports the simulation
// side or the other way round. Both halves may share internal/net/proto,
// internal/net/link, internal/spatial and internal/telemetry.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePrefix = "tickrelay/server/internal/"

var (
	proxySide = []string{"proxy", "router", "registry", "net/tcp", "net/ws", "net/intake"}
	simSide   = []string{"sim", "simhost", "egress", "ingress", "fragment"}
)

type packageInfo struct {
	ImportPath string
	Imports    []string
}

// rule forbids packages under from from importing packages under to.
type rule struct {
	from []string
	to   []string
}

var rules = []rule{
	{from: proxySide, to: simSide},
	{from: simSide, to: proxySide},
}

func main() {
	cmd := exec.Command("go", "list", "-json", "./internal/...")
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	pkgs, err := decodePackages(bytes.NewReader(output))
	if err != nil {
		fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
		os.Exit(1)
	}

	if found := violations(pkgs, rules); len(found) > 0 {
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range found {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

func decodePackages(r io.Reader) ([]packageInfo, error) {
	decoder := json.NewDecoder(r)
	var pkgs []packageInfo
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				return pkgs, nil
			}
			return nil, err
		}
		pkgs = append(pkgs, pkg)
	}
}

func violations(pkgs []packageInfo, rules []rule) []string {
	var found []string
	for _, pkg := range pkgs {
		for _, r := range rules {
			if !within(pkg.ImportPath, r.from) {
				continue
			}
			for _, imp := range pkg.Imports {
				if within(imp, r.to) {
					found = append(found, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
				}
			}
		}
	}
	sort.Strings(found)
	return found
}

// within reports whether path is one of the named internal packages or
// nested below one.
func within(path string, names []string) bool {
	rest, ok := strings.CutPrefix(path, modulePrefix)
	if !ok {
		return false
	}
	for _, name := range names {
		if rest == name || strings.HasPrefix(rest, name+"/") {
			return true
		}
	}
	return false
}
