package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// ServerRow is one discovered server.
type ServerRow struct {
	Instance string
	URL      string
	Version  string
}

// ServerTableView renders discovered servers, or a muted placeholder when
// there are none.
func ServerTableView(rows []ServerRow) string {
	if len(rows) == 0 {
		return MutedStyle.Render("No servers found on the local network")
	}

	data := make([][]string, 0, len(rows))
	for i, r := range rows {
		version := r.Version
		if version == "" {
			version = "-"
		}
		data = append(data, []string{fmt.Sprintf("%d", i+1), truncate(r.Instance, 40), r.URL, version})
	}
	return newTable([]string{"#", "Instance", "URL", "Version"}, data).Render()
}

func RenderServerTable(rows []ServerRow) {
	fmt.Println(ServerTableView(rows))
}

// StatsView renders the server's room and peer counts.
func StatsView(server string, rooms, peers int) string {
	return newTable([]string{"Metric", "Value"}, [][]string{
		{"Server", server},
		{"Rooms", fmt.Sprintf("%d", rooms)},
		{"Peers", fmt.Sprintf("%d", peers)},
	}).Render()
}

func newTable(headers []string, rows [][]string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})
}

// RoomInfo is the banner shown when a file starts being shared.
type RoomInfo struct {
	Room   string
	Server string
	File   string
}

func (r RoomInfo) View() string {
	content := fmt.Sprintf("%s Sharing %s\n\n%s Room:    %s\n%s Server:  %s",
		IconDocument, BoldStyle.Render(r.File),
		IconRoom, BoldStyle.Foreground(Primary).Render(r.Room),
		IconWeb, MutedStyle.Render(r.Server),
	)
	return InfoBoxStyle.Render(content)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return strings.TrimSpace(string(r[:max-3])) + "..."
}
