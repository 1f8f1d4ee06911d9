package driver

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// prelude is shared by every in-page script. __q understands the
// `css:has-text("needle")` suffix used for text selectors.
const prelude = `
const __q = (sel) => {
	const m = /^(.*?):has-text\((["'])((?:\\.|(?!\2).)*)\2\)$/.exec(sel);
	if (!m) return Array.from(document.querySelectorAll(sel));
	const base = m[1].trim() || "*";
	const needle = m[3].replace(/\\(.)/g, "$1").toLowerCase();
	const nodes = Array.from(document.querySelectorAll(base));
	return nodes.filter((el) => (el.textContent || "").toLowerCase().includes(needle));
};
const __visible = (el) => {
	const style = window.getComputedStyle(el);
	if (!style || style.display === "none" || style.visibility === "hidden") return false;
	const rect = el.getBoundingClientRect();
	return rect.width > 0 && rect.height > 0;
};
const __first = (sel) => {
	const all = __q(sel);
	return all.find(__visible) || all[0] || null;
};
`

// Script wraps body (statements ending in a return) so that the evaluation
// result is always a JSON string.
func Script(body string) string {
	return "(async () => {" + prelude + "\nconst __r = await (async () => {" + body + "\n})();\nreturn JSON.stringify(__r === undefined ? null : __r);\n})()"
}

func quote(s string) string {
	raw, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(raw)
}

// Result is the envelope returned by the element scripts.
type Result struct {
	OK    bool    `json:"ok"`
	Error string  `json:"error,omitempty"`
	Text  string  `json:"text,omitempty"`
	Has   bool    `json:"has,omitempty"`
	X     float64 `json:"x,omitempty"`
	Y     float64 `json:"y,omitempty"`
}

// Err converts a failed Result into an error.
func (r Result) Err(selector string) error {
	if r.OK {
		return nil
	}
	switch r.Error {
	case "not_found":
		return NotFound(selector)
	case "":
		return fmt.Errorf("operation on %q failed", selector)
	default:
		return fmt.Errorf("operation on %q failed: %s", selector, r.Error)
	}
}

// Decode parses the JSON string produced by a Script.
func Decode(raw string, out any) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("empty script result")
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode script result: %w", err)
	}
	return nil
}

func CountScript(selector string) string {
	return Script(`return __q(` + quote(selector) + `).length;`)
}

func VisibleScript(selector string) string {
	return Script(`return __q(` + quote(selector) + `).some(__visible);`)
}

func ClickScript(selector string) string {
	return Script(`
const el = __first(` + quote(selector) + `);
if (!el) return {ok: false, error: "not_found"};
el.scrollIntoView({block: "center", inline: "center"});
if (typeof el.focus === "function") el.focus();
el.click();
return {ok: true};`)
}

func FocusScript(selector string) string {
	return Script(`
const el = __first(` + quote(selector) + `);
if (!el) return {ok: false, error: "not_found"};
el.scrollIntoView({block: "center", inline: "center"});
if (typeof el.focus === "function") el.focus();
return {ok: true};`)
}

func FillScript(selector, text string) string {
	return Script(`
const el = __first(` + quote(selector) + `);
if (!el) return {ok: false, error: "not_found"};
const text = ` + quote(text) + `;
el.scrollIntoView({block: "center", inline: "center"});
if (typeof el.focus === "function") el.focus();
if (el.isContentEditable) {
	el.textContent = text;
} else {
	const proto = el instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
	const desc = Object.getOwnPropertyDescriptor(proto, "value");
	if (desc && desc.set && (el instanceof HTMLInputElement || el instanceof HTMLTextAreaElement)) {
		desc.set.call(el, text);
	} else if ("value" in el) {
		el.value = text;
	} else {
		return {ok: false, error: "element is not fillable"};
	}
}
el.dispatchEvent(new Event("input", {bubbles: true}));
el.dispatchEvent(new Event("change", {bubbles: true}));
return {ok: true};`)
}

func SelectScript(selector, option string) string {
	return Script(`
const el = __first(` + quote(selector) + `);
if (!el) return {ok: false, error: "not_found"};
if (!(el instanceof HTMLSelectElement)) return {ok: false, error: "element is not a select"};
const wanted = ` + quote(option) + `;
const match = Array.from(el.options).find((o) => o.value === wanted || o.label === wanted || o.text.trim() === wanted);
if (!match) return {ok: false, error: "option " + wanted + " not found"};
el.value = match.value;
el.dispatchEvent(new Event("input", {bubbles: true}));
el.dispatchEvent(new Event("change", {bubbles: true}));
return {ok: true, text: match.value};`)
}

func CheckScript(selector string, checked bool) string {
	want := "false"
	if checked {
		want = "true"
	}
	return Script(`
const el = __first(` + quote(selector) + `);
if (!el) return {ok: false, error: "not_found"};
const want = ` + want + `;
if (!("checked" in el)) return {ok: false, error: "element is not checkable"};
if (el.checked !== want) el.click();
if (el.checked !== want) return {ok: false, error: "checked state did not change"};
return {ok: true};`)
}

// HoverScript scrolls the element into view and reports its center point.
func HoverScript(selector string) string {
	return Script(`
const el = __first(` + quote(selector) + `);
if (!el) return {ok: false, error: "not_found"};
el.scrollIntoView({block: "center", inline: "center"});
const rect = el.getBoundingClientRect();
const x = rect.left + rect.width / 2;
const y = rect.top + rect.height / 2;
for (const type of ["mouseover", "mouseenter", "mousemove"]) {
	el.dispatchEvent(new MouseEvent(type, {bubbles: type !== "mouseenter", clientX: x, clientY: y}));
}
return {ok: true, x, y};`)
}

func ScrollScript(selector string) string {
	if strings.TrimSpace(selector) == "" {
		return Script(`
window.scrollTo(0, document.body ? document.body.scrollHeight : 0);
return {ok: true};`)
	}
	return Script(`
const el = __first(` + quote(selector) + `);
if (!el) return {ok: false, error: "not_found"};
el.scrollIntoView({block: "center", inline: "center"});
return {ok: true};`)
}

func TextScript(selector string) string {
	return Script(`
const el = __first(` + quote(selector) + `);
if (!el) return {ok: false, error: "not_found"};
const text = typeof el.innerText === "string" ? el.innerText : (el.textContent || "");
return {ok: true, text};`)
}

func AttributeScript(selector, name string) string {
	return Script(`
const el = __first(` + quote(selector) + `);
if (!el) return {ok: false, error: "not_found"};
const name = ` + quote(name) + `;
const has = el.hasAttribute(name);
return {ok: true, has, text: has ? el.getAttribute(name) : ""};`)
}

// ElementsScript snapshots every node matching selector in DOM order.
func ElementsScript(selector string) string {
	return Script(`
const pathOf = (el) => {
	const parts = [];
	let node = el;
	while (node && node.nodeType === 1 && node !== document.documentElement) {
		const parent = node.parentElement;
		const index = parent ? Array.from(parent.children).indexOf(node) + 1 : 1;
		parts.unshift(node.tagName.toLowerCase() + ":nth-child(" + index + ")");
		node = parent;
	}
	return parts.join(" > ");
};
return __q(` + quote(selector) + `).map((el) => {
	const attributes = {};
	for (const attr of Array.from(el.attributes)) attributes[attr.name] = attr.value;
	const rect = el.getBoundingClientRect();
	const raw = typeof el.innerText === "string" ? el.innerText : (el.textContent || "");
	return {
		path: pathOf(el),
		tag: el.tagName.toLowerCase(),
		attributes,
		text: raw.replace(/\s+/g, " ").trim().slice(0, 200),
		box: {x: rect.x, y: rect.y, width: rect.width, height: rect.height},
		visible: __visible(el),
		enabled: !el.disabled && el.getAttribute("aria-disabled") !== "true",
	};
});`)
}

var (
	LocationScript   = Script(`return String(window.location.href || "");`)
	TitleScript      = Script(`return String(document.title || "");`)
	ReadyStateScript = Script(`return String(document.readyState || "");`)
)

// UserScript evaluates a caller-supplied expression and returns its JSON value.
func UserScript(expression string) string {
	return Script(`return (0, eval)(` + quote(expression) + `);`)
}
