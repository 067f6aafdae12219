package gateway

import (
	"reflect"
	"testing"
)

func TestExtractImports(t *testing.T) {
	source := `import React from "react"
import { createRoot } from "react-dom/client"
import debounce from 'lodash/debounce'
import { Chart } from "@nivo/line"
import local from "./local"
import other from "../other"
export { default } from "react"

const s = "import fake from \"not-an-import\""
`
	got := extractImports(source)
	want := []string{"@nivo/line", "lodash", "react", "react-dom"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("extractImports() = %v, want %v", got, want)
	}
}

func TestPackageRoot(t *testing.T) {
	cases := map[string]string{
		"react":            "react",
		"react-dom/client": "react-dom",
		"@scope/pkg":       "@scope/pkg",
		"@scope/pkg/sub":   "@scope/pkg",
	}
	for in, want := range cases {
		if got := packageRoot(in); got != want {
			t.Errorf("packageRoot(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRewriteImports(t *testing.T) {
	source := `import React from "react"
import { createRoot } from "react-dom/client"
import local from "./local"
`
	urls := map[string]string{
		"react":     "https://esm.sh/react@18.2.0",
		"react-dom": "https://esm.sh/react-dom@18.2.0",
	}
	got := rewriteImports(source, urls)
	want := `import React from "https://esm.sh/react@18.2.0"
import { createRoot } from "https://esm.sh/react-dom@18.2.0/client"
import local from "./local"
`
	if got != want {
		t.Errorf("rewriteImports() =\n%s\nwant:\n%s", got, want)
	}
}
