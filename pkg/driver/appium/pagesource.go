package appium

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
)

// ParsedElement represents an element from Android page source XML.
type ParsedElement struct {
	Bounds    core.Bounds
	Enabled   bool
	Displayed bool
	Clickable bool
	Depth     int
	Index     int
	Children  []*ParsedElement
	Parent    *ParsedElement

	Text        string
	ResourceID  string
	ContentDesc string
	HintText    string
	ClassName   string
}

// ParsePageSource parses UiAutomator2 hierarchy XML into a flat element list
// in document order.
func ParsePageSource(xmlData string) ([]*ParsedElement, error) {
	decoder := xml.NewDecoder(strings.NewReader(xmlData))

	var elements []*ParsedElement
	foundHierarchy := false
	var parseElement func() (*ParsedElement, error)

	parseElement = func() (*ParsedElement, error) {
		for {
			token, err := decoder.Token()
			if err != nil {
				return nil, err
			}

			switch t := token.(type) {
			case xml.StartElement:
				if t.Name.Local == "hierarchy" {
					foundHierarchy = true
					continue
				}

				elem := &ParsedElement{
					ClassName: t.Name.Local,
					Displayed: true,
				}

				for _, attr := range t.Attr {
					switch attr.Name.Local {
					case "text":
						elem.Text = attr.Value
					case "resource-id":
						elem.ResourceID = attr.Value
					case "content-desc":
						elem.ContentDesc = attr.Value
					case "hint":
						elem.HintText = attr.Value
					case "class":
						elem.ClassName = attr.Value
					case "bounds":
						elem.Bounds = parseBounds(attr.Value)
					case "enabled":
						elem.Enabled = attr.Value == "true"
					case "displayed":
						elem.Displayed = attr.Value != "false"
					case "clickable":
						elem.Clickable = attr.Value == "true"
					case "index":
						elem.Index, _ = strconv.Atoi(attr.Value)
					}
				}

				// Parse children
				for {
					child, err := parseElement()
					if err != nil || child == nil {
						break
					}
					elem.Children = append(elem.Children, child)
				}

				return elem, nil

			case xml.EndElement:
				return nil, nil
			}
		}
	}

	// Parse all root elements
	var parseErr error
	for {
		elem, err := parseElement()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				parseErr = err
			}
			break
		}
		if elem != nil {
			elements = append(elements, flattenElement(elem, 0)...)
		}
	}

	if parseErr != nil && len(elements) == 0 {
		return nil, parseErr
	}

	if !foundHierarchy {
		return nil, fmt.Errorf("invalid page source: no hierarchy element found")
	}

	return elements, nil
}

// flattenElement flattens a tree of elements into a list, setting depth and parent.
func flattenElement(elem *ParsedElement, depth int) []*ParsedElement {
	elem.Depth = depth
	result := []*ParsedElement{elem}
	for _, child := range elem.Children {
		child.Parent = elem
		result = append(result, flattenElement(child, depth+1)...)
	}
	return result
}

// parseBounds parses Android bounds string "[x1,y1][x2,y2]".
func parseBounds(s string) core.Bounds {
	s = strings.ReplaceAll(s, "][", ",")
	s = strings.Trim(s, "[]")
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return core.Bounds{}
	}

	x1, _ := strconv.Atoi(parts[0])
	y1, _ := strconv.Atoi(parts[1])
	x2, _ := strconv.Atoi(parts[2])
	y2, _ := strconv.Atoi(parts[3])

	return core.Bounds{
		X:      x1,
		Y:      y1,
		Width:  x2 - x1,
		Height: y2 - y1,
	}
}

// informative reports whether an element is worth showing to a model:
// it carries text, an id, a description, or it can be tapped.
func (e *ParsedElement) informative() bool {
	if !e.Displayed || e.Bounds.Empty() {
		return false
	}
	return e.Text != "" || e.ResourceID != "" || e.ContentDesc != "" || e.HintText != "" || e.Clickable
}

// CompactSource renders the hierarchy as one indented line per informative
// element, dropping layout-only containers. The result is far smaller than
// the raw XML and still names every id, text and class a locator can use.
func CompactSource(xmlData string) (string, error) {
	elements, err := ParsePageSource(xmlData)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, e := range elements {
		if !e.informative() {
			continue
		}
		b.WriteString(strings.Repeat(" ", e.Depth))
		b.WriteString(e.ClassName)
		if e.ResourceID != "" {
			fmt.Fprintf(&b, " id=%s", e.ResourceID)
		}
		if e.Text != "" {
			fmt.Fprintf(&b, " text=%q", e.Text)
		}
		if e.ContentDesc != "" {
			fmt.Fprintf(&b, " desc=%q", e.ContentDesc)
		}
		if e.HintText != "" {
			fmt.Fprintf(&b, " hint=%q", e.HintText)
		}
		if e.Clickable {
			b.WriteString(" clickable")
		}
		fmt.Fprintf(&b, " index=%d bounds=[%d,%d][%d,%d]\n",
			e.Index, e.Bounds.X, e.Bounds.Y, e.Bounds.X+e.Bounds.Width, e.Bounds.Y+e.Bounds.Height)
	}
	return b.String(), nil
}
