package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// LoadParams reads session parameters from an HCL file of top-level
// attributes, for example:
//
//	seed    = 42
//	nthread = 8
//	gpu_id  = 0
//
// Values are returned as text, ready for execctx.Context.Update.
func LoadParams(path string) (map[string]string, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse params file %s: %s", path, diags.Error())
	}
	return decodeParams(path, file.Body)
}

// ParseParams is LoadParams for in-memory source; filename is used in
// diagnostics only.
func ParseParams(src []byte, filename string) (map[string]string, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse params %s: %s", filename, diags.Error())
	}
	return decodeParams(filename, file.Body)
}

func decodeParams(filename string, body hcl.Body) (map[string]string, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("decode params %s: %s", filename, diags.Error())
	}

	params := make(map[string]string, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("evaluate %s in %s: %s", name, filename, diags.Error())
		}
		s, err := ctyToString(val)
		if err != nil {
			return nil, fmt.Errorf("parameter %s in %s: %w", name, filename, err)
		}
		params[name] = s
	}
	return params, nil
}

// ctyToString renders a primitive value as text.
func ctyToString(val cty.Value) (string, error) {
	if val.IsNull() {
		return "", fmt.Errorf("value is null")
	}
	if !val.IsWhollyKnown() {
		return "", fmt.Errorf("value is unknown")
	}
	if !val.Type().IsPrimitiveType() {
		return "", fmt.Errorf("expected a string, number or bool, got %s", val.Type().FriendlyName())
	}

	str, err := convert.Convert(val, cty.String)
	if err != nil {
		return "", err
	}
	return str.AsString(), nil
}
