package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help for path in Telegram HTML parse mode.
func (m *CommandManager) helpText(path []string) string {
	m.mu.RLock()
	root := m.root
	alias := m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return helpTopHTML(root)
	}

	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		p = strings.TrimPrefix(p, "/")
		n, ok := cur.child(p)
		if !ok {
			if leaf, ok2 := alias[p]; ok2 && leaf != nil && leaf.cmd != nil {
				cur = leaf
				full = splitRoute(leaf.cmd.Route)
				break
			}
			return "Unknown command. Try <code>/help</code>."
		}
		cur = n
		full = append(full, p)
	}
	return helpNodeHTML(cur, full)
}

type topRow struct {
	name string
	desc string
	lock bool
}

func helpTopHTML(root *cmdNode) string {
	names := root.childNames()
	rows := make([]topRow, 0, len(names))
	for _, name := range names {
		n, _ := root.child(name)
		rows = append(rows, topRow{name: name, desc: summarizeNodeDesc(n), lock: nodeIsOwnerOnly(n)})
	}
	// everyone-commands first, alphabetical within each group
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].lock != rows[j].lock {
			return !rows[i].lock
		}
		return rows[i].name < rows[j].name
	})

	lines := []string{
		"<b>Commands</b>",
		"Type <code>/help &lt;cmd&gt;</code> for details.",
		"",
	}
	for _, r := range rows {
		line := "• "
		if r.lock {
			line += "🔒 "
		}
		line += "<code>/" + html.EscapeString(r.name) + "</code>"
		if r.desc != "" {
			line += ": " + html.EscapeString(r.desc)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func helpNodeHTML(cur *cmdNode, full []string) string {
	title := "/" + strings.Join(full, " ")
	lines := []string{"<b>Help</b> <code>" + html.EscapeString(title) + "</code>"}

	if c := cur.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "🔒 <i>owner only</i>")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
		}
		if short := buildShortcuts(*c); len(short) > 0 {
			lines = append(lines, "", "<b>Shortcuts</b>")
			for _, s := range short {
				lines = append(lines, "• <code>/"+html.EscapeString(s)+"</code>")
			}
		}
	} else if nodeIsOwnerOnly(cur) {
		lines = append(lines, "🔒 <i>owner only</i>")
	}

	if len(cur.children) > 0 {
		lines = append(lines, "", "<b>Subcommands</b>")
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			line := "• "
			if nodeIsOwnerOnly(n) {
				line += "🔒 "
			}
			line += "<code>/" + html.EscapeString(strings.Join(append(append([]string(nil), full...), name), " ")) + "</code>"
			if d := summarizeNodeDesc(n); d != "" {
				line += ": " + html.EscapeString(d)
			}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func summarizeNodeDesc(n *cmdNode) string {
	if n == nil {
		return ""
	}
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	show := min(3, len(kids))
	s := strings.Join(kids[:show], ", ")
	if len(kids) > show {
		s += ", …"
	}
	return "subcommands: " + s
}

// nodeIsOwnerOnly is true for an owner-only leaf, or a group whose
// every command is owner-only.
func nodeIsOwnerOnly(n *cmdNode) bool {
	if n == nil {
		return false
	}
	if n.cmd != nil {
		return n.cmd.Access == AccessOwnerOnly
	}
	if len(n.children) == 0 {
		return false
	}
	for _, ch := range n.children {
		if !nodeIsOwnerOnly(ch) {
			return false
		}
	}
	return true
}

func buildShortcuts(c Command) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if route := splitRoute(c.Route); len(route) > 1 {
		if menu, ok := telegramCommandNameFromRoute(route); ok {
			add(menu)
		}
	}
	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.Contains(a, " ") {
			continue
		}
		add(a)
		add(sanitizeTelegramCommand(a))
	}
	sort.Strings(out)
	return out
}
