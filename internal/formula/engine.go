// Package formula evaluates arithmetic formulas with {variable} placeholders.
//
// Formulas are parsed into an expression tree and evaluated by a walker that
// only understands numeric literals, the binary operators + - * / **, unary
// minus and calls to abs, max, min, sqrt and pow. Any other node (identifiers,
// member access, maps, other calls) rejects the whole formula, so a formula
// string can never reach anything but arithmetic.
package formula

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// ErrDisallowed is returned when a formula contains a construct outside the
// arithmetic allow-list.
var ErrDisallowed = errors.New("disallowed expression")

var (
	placeholderRe = regexp.MustCompile(`\{([\w.:-]+)\}`)
	avgRe         = regexp.MustCompile(`^\s*AVG\(\s*\{([\w.:-]+)\}\s*\)\s*$`)
)

// invalidSequences are rejected by Validate before parsing.
var invalidSequences = []string{"+++", "***", "---"}

// ValidationResult is returned by Validate.
type ValidationResult struct {
	IsValid bool   `json:"is_valid"`
	Error   string `json:"error,omitempty"`
}

// Engine evaluates formulas. Named formulas can be registered and then
// referenced by name in Calculate.
type Engine struct {
	mu       sync.RWMutex
	formulas map[string]string
	logger   *slog.Logger
}

// New creates a formula engine.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		formulas: make(map[string]string),
		logger:   logger,
	}
}

// Register stores a named formula.
func (e *Engine) Register(name, formula string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.formulas[name] = formula
}

// Formula returns a registered formula.
func (e *Engine) Formula(name string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.formulas[name]
	return f, ok
}

// Calculate evaluates a formula, or a registered formula by name, with the
// given variables. Variables may be numbers or, for the AVG({x}) form, slices
// of numbers. Calculate never fails: malformed formulas, unresolved variables
// and arithmetic errors all yield 0.
func (e *Engine) Calculate(formulaOrName string, vars map[string]any) float64 {
	v, err := e.Eval(formulaOrName, vars)
	if err != nil {
		e.logger.Debug("formula evaluation failed", "formula", formulaOrName, "error", err)
		return 0
	}
	return v
}

// Eval is Calculate with the evaluation error returned.
func (e *Engine) Eval(formulaOrName string, vars map[string]any) (float64, error) {
	formula := formulaOrName
	if f, ok := e.Formula(formulaOrName); ok {
		formula = f
	}

	if m := avgRe.FindStringSubmatch(formula); m != nil {
		return average(vars[m[1]]), nil
	}

	return Evaluate(substitute(formula, vars))
}

// Validate checks formula syntax without evaluating it. Placeholders are
// replaced by 1 before parsing.
func (e *Engine) Validate(formula string) ValidationResult {
	if strings.TrimSpace(formula) == "" {
		return ValidationResult{Error: "empty formula"}
	}
	for _, seq := range invalidSequences {
		if strings.Contains(formula, seq) {
			return ValidationResult{Error: fmt.Sprintf("invalid operator sequence %q", seq)}
		}
	}
	if avgRe.MatchString(formula) {
		return ValidationResult{IsValid: true}
	}

	tree, err := parser.Parse(placeholderRe.ReplaceAllString(formula, "1"))
	if err != nil {
		return ValidationResult{Error: err.Error()}
	}
	if err := check(tree.Node); err != nil {
		return ValidationResult{Error: err.Error()}
	}
	return ValidationResult{IsValid: true}
}

// Evaluate parses and evaluates a formula that contains no placeholders.
func Evaluate(formula string) (float64, error) {
	tree, err := parser.Parse(formula)
	if err != nil {
		return 0, fmt.Errorf("parsing formula: %w", err)
	}
	v, err := eval(tree.Node)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("formula result is not finite: %v", v)
	}
	return v, nil
}

// substitute replaces {name} with the textual value of numeric variables.
// Unresolved placeholders are left in place and fail evaluation.
func substitute(formula string, vars map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(formula, func(tok string) string {
		name := tok[1 : len(tok)-1]
		v, ok := toFloat(vars[name])
		if !ok {
			return tok
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	})
}

func average(v any) float64 {
	var values []float64
	switch vs := v.(type) {
	case []float64:
		values = vs
	case []int:
		for _, x := range vs {
			values = append(values, float64(x))
		}
	case []any:
		for _, x := range vs {
			if f, ok := toFloat(x); ok {
				values = append(values, f)
			}
		}
	}
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, x := range values {
		sum += x
	}
	return sum / float64(len(values))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// check walks the tree and rejects anything eval would not accept.
func check(node ast.Node) error {
	switch n := node.(type) {
	case *ast.IntegerNode, *ast.FloatNode:
		return nil
	case *ast.UnaryNode:
		if n.Operator != "-" {
			return fmt.Errorf("%w: unary operator %q", ErrDisallowed, n.Operator)
		}
		return check(n.Node)
	case *ast.BinaryNode:
		if !allowedBinary(n.Operator) {
			return fmt.Errorf("%w: operator %q", ErrDisallowed, n.Operator)
		}
		if err := check(n.Left); err != nil {
			return err
		}
		return check(n.Right)
	case *ast.CallNode:
		ident, ok := n.Callee.(*ast.IdentifierNode)
		if !ok {
			return fmt.Errorf("%w: call target %T", ErrDisallowed, n.Callee)
		}
		return checkCall(ident.Value, n.Arguments)
	case *ast.BuiltinNode:
		return checkCall(n.Name, n.Arguments)
	}
	return fmt.Errorf("%w: %T", ErrDisallowed, node)
}

func checkCall(name string, args []ast.Node) error {
	if err := checkArity(name, len(args)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := check(arg); err != nil {
			return err
		}
	}
	return nil
}

func allowedBinary(op string) bool {
	switch op {
	case "+", "-", "*", "/", "**":
		return true
	}
	return false
}

func checkArity(name string, n int) error {
	want, ok := arity[name]
	if !ok {
		return fmt.Errorf("%w: function %q", ErrDisallowed, name)
	}
	if (want > 0 && n != want) || (want < 0 && n < 2) {
		return fmt.Errorf("%s: wrong number of arguments (%d)", name, n)
	}
	return nil
}

// arity holds the allowed functions and their argument count; -1 means two
// or more.
var arity = map[string]int{
	"abs":  1,
	"sqrt": 1,
	"pow":  2,
	"max":  -1,
	"min":  -1,
}

func eval(node ast.Node) (float64, error) {
	switch n := node.(type) {
	case *ast.IntegerNode:
		return float64(n.Value), nil
	case *ast.FloatNode:
		return n.Value, nil
	case *ast.UnaryNode:
		if n.Operator != "-" {
			return 0, fmt.Errorf("%w: unary operator %q", ErrDisallowed, n.Operator)
		}
		v, err := eval(n.Node)
		return -v, err
	case *ast.BinaryNode:
		return evalBinary(n)
	case *ast.CallNode:
		ident, ok := n.Callee.(*ast.IdentifierNode)
		if !ok {
			return 0, fmt.Errorf("%w: call target %T", ErrDisallowed, n.Callee)
		}
		return evalCall(ident.Value, n.Arguments)
	case *ast.BuiltinNode:
		return evalCall(n.Name, n.Arguments)
	}
	return 0, fmt.Errorf("%w: %T", ErrDisallowed, node)
}

func evalBinary(n *ast.BinaryNode) (float64, error) {
	if !allowedBinary(n.Operator) {
		return 0, fmt.Errorf("%w: operator %q", ErrDisallowed, n.Operator)
	}
	l, err := eval(n.Left)
	if err != nil {
		return 0, err
	}
	r, err := eval(n.Right)
	if err != nil {
		return 0, err
	}
	switch n.Operator {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return 0, errors.New("division by zero")
		}
		return l / r, nil
	default:
		return math.Pow(l, r), nil
	}
}

func evalCall(name string, argNodes []ast.Node) (float64, error) {
	if err := checkArity(name, len(argNodes)); err != nil {
		return 0, err
	}

	args := make([]float64, len(argNodes))
	for i, a := range argNodes {
		v, err := eval(a)
		if err != nil {
			return 0, err
		}
		args[i] = v
	}

	switch name {
	case "abs":
		return math.Abs(args[0]), nil
	case "sqrt":
		if args[0] < 0 {
			return 0, errors.New("sqrt of negative number")
		}
		return math.Sqrt(args[0]), nil
	case "pow":
		return math.Pow(args[0], args[1]), nil
	case "max":
		m := args[0]
		for _, v := range args[1:] {
			m = math.Max(m, v)
		}
		return m, nil
	default:
		m := args[0]
		for _, v := range args[1:] {
			m = math.Min(m, v)
		}
		return m, nil
	}
}
