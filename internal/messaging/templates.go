package messaging

import (
	"fmt"
	"strings"
)

// Local templates for channels without server-side template support.
// Keys with an _ar suffix are the Arabic variants.
var localTemplates = map[string]string{
	"welcome":             "Hello! You can report a health incident in your community here. What is happening?",
	"welcome_ar":          "مرحباً! يمكنك الإبلاغ عن حادثة صحية في مجتمعك هنا. ماذا يحدث؟",
	"confirm_received":    "Thank you. Your report %s has been received and shared with health officers.",
	"confirm_received_ar": "شكراً لك. تم استلام بلاغك %s ومشاركته مع المسؤولين الصحيين.",
	"error":               "Sorry, something went wrong. Please try again in a moment.",
	"error_ar":            "عذراً، حدث خطأ ما. يرجى المحاولة مرة أخرى بعد قليل.",
}

// RenderTemplate fills a local template with positional params.
func RenderTemplate(p Platform, name string, params []string) (string, error) {
	tpl, ok := localTemplates[name]
	if !ok {
		return "", &TemplateError{Platform: p, Template: name, Err: fmt.Errorf("unknown template")}
	}
	want := strings.Count(tpl, "%s")
	if len(params) != want {
		return "", &TemplateError{Platform: p, Template: name, Err: fmt.Errorf("want %d params, got %d", want, len(params))}
	}
	args := make([]any, len(params))
	for i, v := range params {
		args[i] = v
	}
	if len(args) == 0 {
		return tpl, nil
	}
	return fmt.Sprintf(tpl, args...), nil
}
