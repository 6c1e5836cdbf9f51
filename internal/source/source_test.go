package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/job-scorer/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name:    "json array",
			file:    "items.json",
			content: `[{"id": "a", "title": "Go Engineer"}, {"id": "b", "title": "SRE"}]`,
		},
		{
			name:    "json object with items",
			file:    "items.json",
			content: `{"items": [{"id": "a", "title": "Go Engineer"}, {"id": "b", "title": "SRE"}]}`,
		},
		{
			name:    "jsonl",
			file:    "items.jsonl",
			content: "{\"id\": \"a\", \"title\": \"Go Engineer\"}\n\n{\"id\": \"b\", \"title\": \"SRE\"}\n",
		},
		{
			name:    "yaml",
			file:    "items.yaml",
			content: "- id: a\n  title: Go Engineer\n- id: b\n  title: SRE\n",
		},
		{
			name:    "csv",
			file:    "items.csv",
			content: "ID,Title\na,Go Engineer\nb,SRE\n",
		},
		{
			name:    "tsv",
			file:    "items.tsv",
			content: "id\ttitle\na\tGo Engineer\nb\tSRE\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := Load(context.Background(), writeFile(t, tt.file, tt.content), Options{})
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, "a", items[0].ID)
			assert.Equal(t, "Go Engineer", items[0].Text("title"))
			assert.Equal(t, "b", items[1].ID)
			assert.Equal(t, "SRE", items[1].Text("title"))
		})
	}
}

func TestLoad_XLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.xlsx")
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("postings")
	require.NoError(t, err)
	for _, row := range [][]string{
		{"URL", "Title", "Skills"},
		{"https://jobs.example.com/1", "Backend Engineer", "go, postgres"},
		{"", "", ""},
		{"https://jobs.example.com/2", "Data Engineer", "python"},
	} {
		r := sheet.AddRow()
		for _, v := range row {
			r.AddCell().SetString(v)
		}
	}
	require.NoError(t, f.Save(path))

	items, err := Load(context.Background(), path, Options{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "https://jobs.example.com/1", items[0].ID)
	assert.Equal(t, []string{"go", "postgres"}, items[0].List("skills"))

	items, err = Load(context.Background(), path, Options{SheetName: "postings"})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = Load(context.Background(), path, Options{SheetName: "missing"})
	require.Error(t, err)
}

func TestLoad_WorkItemShapeKeepsStages(t *testing.T) {
	content := `{"item_id":"a","fields":{"title":"SRE"},"stages":{"scoring":{"status":"succeeded","completed_at":"2026-01-02T03:04:05Z"}}}` + "\n"
	items, err := Load(context.Background(), writeFile(t, "results.jsonl", content), Options{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "SRE", items[0].Text("title"))
	assert.True(t, items[0].Succeeded(model.StageScoring))
}

func TestLoad_IDField(t *testing.T) {
	path := writeFile(t, "items.json", `[{"posting": "p1", "id": "ignored"}, {"id": "no-posting"}]`)
	items, err := Load(context.Background(), path, Options{IDField: "posting"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "p1", items[0].ID)
}

func TestLoad_DefaultIDFallbacks(t *testing.T) {
	path := writeFile(t, "items.json", `[{"url": "https://x/1"}, {"item_id": 42}, {"title": "no id"}]`)
	items, err := Load(context.Background(), path, Options{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "https://x/1", items[0].ID)
	assert.Equal(t, "42", items[1].ID)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported", "items.txt", "a"},
		{"bad json", "items.json", `[{"id": "a"`},
		{"json scalar", "items.json", `"nope"`},
		{"bad jsonl", "items.jsonl", "{\"id\": \"a\"}\nnot json\n"},
		{"yaml scalar", "items.yaml", "just a string"},
		{"yaml non-object", "items.yaml", "- a\n- b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), writeFile(t, tt.file, tt.content), Options{})
			require.Error(t, err)
		})
	}

	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), Options{})
	require.Error(t, err)
}

func TestLoad_EmptyFiles(t *testing.T) {
	for _, name := range []string{"items.json", "items.jsonl", "items.yaml", "items.csv"} {
		t.Run(name, func(t *testing.T) {
			items, err := Load(context.Background(), writeFile(t, name, ""), Options{})
			require.NoError(t, err)
			assert.Empty(t, items)
		})
	}
}

func TestLoad_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Load(ctx, writeFile(t, "items.jsonl", "{\"id\": \"a\"}\n"), Options{})
	require.Error(t, err)
}
