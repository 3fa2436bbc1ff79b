package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/disiqueira/gotree/v3"

	"github.com/fruitsalade/docat/internal/docs"
	"github.com/fruitsalade/docat/internal/search"
)

// renderProjects draws projects and their versions as a tree.
func renderProjects(root string, projects []docs.Project) string {
	tree := gotree.New(root)
	for _, p := range projects {
		node := tree.Add(fmt.Sprintf("%s (%s)", p.Name, p.Storage))
		for _, v := range p.Versions {
			label := v.Name
			if len(v.Tags) > 0 {
				label += " [" + strings.Join(v.Tags, ", ") + "]"
			}
			if v.Hidden {
				label += " (hidden)"
			}
			node.Add(label)
		}
	}
	return tree.Print()
}

// renderResults prints search hits grouped by kind.
func renderResults(w io.Writer, res search.Results) {
	if len(res.Projects)+len(res.Versions)+len(res.Files) == 0 {
		fmt.Fprintln(w, "no matches")
		return
	}
	if len(res.Projects) > 0 {
		fmt.Fprintln(w, "Projects:")
		for _, p := range res.Projects {
			fmt.Fprintf(w, "  %s\n", p.Name)
		}
	}
	if len(res.Versions) > 0 {
		fmt.Fprintln(w, "Versions:")
		for _, v := range res.Versions {
			fmt.Fprintf(w, "  %s/%s\n", v.Project, v.Version)
		}
	}
	if len(res.Files) > 0 {
		fmt.Fprintln(w, "Files:")
		for _, f := range res.Files {
			fmt.Fprintf(w, "  %s/%s/%s\n", f.Project, f.Version, f.Path)
		}
	}
}
