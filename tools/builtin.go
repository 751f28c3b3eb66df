package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// RegisterBuiltins adds the builtin tool set: calculator and local file
// operations. write_file is flagged so it passes the confirmation gate.
func (r *Registry) RegisterBuiltins() {
	r.RegisterBuiltin("calculator", calculatorTool, Meta{
		Description: "Evaluate an arithmetic expression (+, -, *, /, parentheses)",
		Params: map[string]ParamDef{
			"expression": {Type: "string", Description: "Expression to evaluate, e.g. 2+2", Required: true},
		},
	})

	r.RegisterBuiltin("read_file", func(ctx context.Context, args map[string]any) (string, error) {
		path, ok := args["path"].(string)
		if !ok || path == "" {
			return "", fmt.Errorf("path argument required")
		}
		data, err := os.ReadFile(path)
		return string(data), err
	}, Meta{
		Description: "Read the contents of a file",
		Params: map[string]ParamDef{
			"path": {Type: "string", Description: "File path", Required: true},
		},
	})

	r.RegisterBuiltin("write_file", func(ctx context.Context, args map[string]any) (string, error) {
		path, ok := args["path"].(string)
		if !ok || path == "" {
			return "", fmt.Errorf("path argument required")
		}
		content, ok := args["content"].(string)
		if !ok {
			return "", fmt.Errorf("content argument required")
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return "", err
		}
		return "File written successfully", nil
	}, Meta{
		Description: "Write content to a file",
		Params: map[string]ParamDef{
			"path":    {Type: "string", Description: "File path", Required: true},
			"content": {Type: "string", Description: "Content to write", Required: true},
		},
		Flagged: true,
	})

	r.RegisterBuiltin("list_files", func(ctx context.Context, args map[string]any) (string, error) {
		path, _ := args["path"].(string)
		if path == "" {
			path = "."
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return "", err
		}
		var names []string
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		result, _ := json.Marshal(names)
		return string(result), nil
	}, Meta{
		Description: "List the entries of a directory",
		Params: map[string]ParamDef{
			"path": {Type: "string", Description: "Directory path (defaults to .)"},
		},
	})
}

// calculatorTool evaluates the "expression" argument. Arguments may also
// arrive as a bare "input" key when the model sends a single string.
func calculatorTool(ctx context.Context, args map[string]any) (string, error) {
	expr, _ := args["expression"].(string)
	if expr == "" {
		expr, _ = args["input"].(string)
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", fmt.Errorf("expression argument required")
	}

	p := &exprParser{input: expr}
	val, err := p.parseExpr()
	if err != nil {
		return "", err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return "", fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}

	return strconv.FormatFloat(val, 'f', -1, 64), nil
}

// exprParser is a recursive-descent parser for arithmetic expressions.
type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

// parseExpr handles + and -.
func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

// parseTerm handles * and /.
func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

// parseFactor handles numbers, unary minus, and parentheses.
func (p *exprParser) parseFactor() (float64, error) {
	switch c := p.peek(); {
	case c == '(':
		p.pos++
		val, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return val, nil
	case c == '-':
		p.pos++
		val, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		return -val, nil
	case c >= '0' && c <= '9' || c == '.':
		start := p.pos
		for p.pos < len(p.input) {
			c := p.input[p.pos]
			if (c < '0' || c > '9') && c != '.' {
				break
			}
			p.pos++
		}
		return strconv.ParseFloat(p.input[start:p.pos], 64)
	case c == 0:
		return 0, fmt.Errorf("unexpected end of expression")
	default:
		return 0, fmt.Errorf("unexpected character %q at position %d", c, p.pos)
	}
}
