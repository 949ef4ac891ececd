package view

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jasonchiu/dvirmail/feature/recipients"
)

const (
	EmptyTitle = "No recipients configured"
	EmptyHint  = "Add email addresses above to receive DVIR defect notifications"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#1a1a1a", Dark: "#dddddd"}).
			Bold(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#005577", Dark: "#00aadd"}).
			Bold(true)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(lipgloss.AdaptiveColor{Light: "#262626", Dark: "#d9d9d9"})

	selectedItemStyle = itemStyle.
				Foreground(lipgloss.AdaptiveColor{Light: "#ffffff", Dark: "#000000"}).
				Background(lipgloss.AdaptiveColor{Light: "#005577", Dark: "#00aadd"}).
				Bold(true)

	filterStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#626262", Dark: "#a8a8a8"})

	emptyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#626262", Dark: "#a8a8a8"}).
			Padding(1, 2)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#005577", Dark: "#00aadd"}).
			Padding(0, 1)
)

// CountLabel is the recipient counter shown above the list.
func CountLabel(n int) string {
	return fmt.Sprintf("Recipients: %d", n)
}

func SettingLabel(sendOnlyNewDefects bool) string {
	if sendOnlyNewDefects {
		return "Send only new defects: on"
	}
	return "Send only new defects: off"
}

// Options tunes Render. Selected is the highlighted row, -1 for none.
type Options struct {
	Width    int
	Selected int
}

// Render draws the listing. It has no state of its own.
func Render(l recipients.Listing, opts Options) string {
	var b strings.Builder
	title := "DVIR email recipients"
	if db := strings.TrimSpace(l.Tenant); db != "" {
		title += " · " + db
	}
	b.WriteString(headerStyle.Render(title))
	b.WriteString("\n")
	b.WriteString(countStyle.Render(CountLabel(l.Count())))
	b.WriteString("  ")
	b.WriteString(filterStyle.Render(SettingLabel(l.SendOnlyNewDefects)))
	b.WriteString("\n")

	var body string
	if l.Count() == 0 {
		body = emptyStyle.Render(EmptyTitle + "\n" + EmptyHint)
	} else {
		rows := make([]string, 0, l.Count())
		for i, r := range l.Recipients {
			line := fmt.Sprintf("%s  %s", r.Email, filterStyle.Render("["+string(r.Filter())+"]"))
			if i == opts.Selected {
				rows = append(rows, selectedItemStyle.Render("> "+line))
			} else {
				rows = append(rows, itemStyle.Render("  "+line))
			}
		}
		body = lipgloss.JoinVertical(lipgloss.Left, rows...)
	}

	box := boxStyle
	if opts.Width > 4 {
		box = box.Width(opts.Width - 4)
	}
	b.WriteString(box.Render(body))
	return b.String()
}

// Plain renders the listing without styling for logs and piped CLI output.
func Plain(l recipients.Listing) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n", CountLabel(l.Count()), SettingLabel(l.SendOnlyNewDefects))
	if l.Count() == 0 {
		fmt.Fprintf(&b, "%s\n%s\n", EmptyTitle, EmptyHint)
		return b.String()
	}
	for _, r := range l.Recipients {
		fmt.Fprintf(&b, "%s\t%s\t%s\n", r.ID, r.Email, r.Filter())
	}
	return b.String()
}
