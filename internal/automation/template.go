package automation

import (
	"strings"

	"github.com/osteele/liquid"

	"github.com/sourabh1428/easybill-engine/internal/pkg/logger"
)

var liquidEngine = liquid.NewEngine()

// Render substitutes {{field}} references from the run context into a
// template string. Strings without template markers pass through
// untouched; a render error falls back to the raw string so a bad
// template degrades to a literal send rather than a failed action.
func Render(tpl string, runCtx Context) string {
	if !strings.Contains(tpl, "{{") {
		return tpl
	}
	out, err := liquidEngine.ParseAndRenderString(tpl, liquid.Bindings(runCtx))
	if err != nil {
		logger.Warn("template render failed", "error", err.Error())
		return tpl
	}
	return out
}

func renderAll(items []string, runCtx Context) []string {
	if len(items) == 0 {
		return items
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = Render(item, runCtx)
	}
	return out
}
