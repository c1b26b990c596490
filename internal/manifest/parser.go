package manifest

import (
	"regexp"
	"strings"
)

var (
	permissionRegex = regexp.MustCompile(`uses-permission: name='([^']+)'`)
	launchableRegex = regexp.MustCompile(`launchable-activity: name='([^']+)'`)
	nameAttrRegex   = regexp.MustCompile(`A: android:name\(0x01010003\)="([^"]+)"(?: \(Raw: "([^"]+)"\))?`)
)

// 组件元素名
const (
	ElementActivity = "activity"
	ElementService  = "service"
	ElementReceiver = "receiver"
	ElementProvider = "provider"
)

// NameAttr android:name 属性，Raw 为解析后的原始值（可能为空）
type NameAttr struct {
	Value string
	Raw   string
}

// Resolved 优先返回 Raw 值
func (a NameAttr) Resolved() string {
	if a.Raw != "" {
		return a.Raw
	}
	return a.Value
}

// Block xmltree 中的一个元素块
type Block struct {
	Element string
	Body    string
}

// SampleInfo badging 中的包信息
type SampleInfo struct {
	PackageName string
	SDKVersion  string
}

// ParsePermissions 提取 uses-permission 声明
func ParsePermissions(badging string) []string {
	var out []string
	for _, m := range permissionRegex.FindAllStringSubmatch(badging, -1) {
		out = append(out, m[1])
	}
	return out
}

// ParseSampleInfo 提取包名和 sdkVersion，缺失时返回空串
func ParseSampleInfo(badging string) SampleInfo {
	var info SampleInfo
	lines := strings.Split(badging, "\n")

	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "package: name=") {
			parts := strings.SplitN(line, "name=", 2)
			if quoted := strings.Split(parts[1], "'"); len(quoted) > 1 {
				info.PackageName = quoted[1]
			}
			break
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "sdkVersion") {
			if quoted := strings.Split(line, "'"); len(quoted) > 1 {
				info.SDKVersion = quoted[1]
			}
			break
		}
	}

	return info
}

// ParseLaunchableActivity 提取主 Activity
func ParseLaunchableActivity(badging string) (string, bool) {
	m := launchableRegex.FindStringSubmatch(badging)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ParseFeatures 提取 uses-feature 行中的第一个引号值
func ParseFeatures(badging string) []string {
	var out []string
	for _, line := range strings.Split(badging, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "uses-feature") {
			continue
		}
		if quoted := strings.Split(line, "'"); len(quoted) > 1 && quoted[1] != "" {
			out = append(out, quoted[1])
		}
	}
	return out
}

// SplitBlocks 按 "E: " 把 xmltree 输出切分为元素块，块延伸到下一个元素或文本末尾
func SplitBlocks(xmltree string) []Block {
	var blocks []Block
	const marker = "E: "

	rest := xmltree
	for {
		start := strings.Index(rest, marker)
		if start < 0 {
			break
		}
		body := rest[start+len(marker):]
		end := strings.Index(body, marker)
		if end >= 0 {
			rest = body[end:]
			body = body[:end]
		} else {
			rest = ""
		}

		element := body
		if i := strings.IndexAny(element, " \t\r\n"); i >= 0 {
			element = element[:i]
		}
		blocks = append(blocks, Block{Element: element, Body: marker + body})

		if rest == "" {
			break
		}
	}
	return blocks
}

// FirstName 块中第一个 android:name 属性
func (b Block) FirstName() (NameAttr, bool) {
	m := nameAttrRegex.FindStringSubmatch(b.Body)
	if m == nil {
		return NameAttr{}, false
	}
	return NameAttr{Value: m[1], Raw: m[2]}, true
}

// ParseComponents 提取指定元素块的名称（元素名前缀匹配，如 activity 也匹配 activity-alias）
// 返回名称（优先 Raw 值）和块数量
func ParseComponents(xmltree string, elements ...string) ([]string, int) {
	var names []string
	count := 0
	for _, b := range SplitBlocks(xmltree) {
		if !hasAnyPrefix(b.Element, elements) {
			continue
		}
		count++
		if attr, ok := b.FirstName(); ok {
			names = append(names, attr.Resolved())
		}
	}
	return names, count
}

// NameAttrs 全部 android:name 属性
func NameAttrs(xmltree string) []NameAttr {
	var out []NameAttr
	for _, m := range nameAttrRegex.FindAllStringSubmatch(xmltree, -1) {
		out = append(out, NameAttr{Value: m[1], Raw: m[2]})
	}
	return out
}

// ParseIntents 名称中包含 intent 的属性值
func ParseIntents(xmltree string) []string {
	var out []string
	for _, a := range NameAttrs(xmltree) {
		if v := a.Resolved(); strings.Contains(v, "intent") {
			out = append(out, v)
		}
	}
	return out
}

// ParseNetworkRefs 包含 android.net 的属性值，Raw 优先
func ParseNetworkRefs(xmltree string) []string {
	var out []string
	for _, a := range NameAttrs(xmltree) {
		switch {
		case strings.Contains(a.Raw, "android.net"):
			out = append(out, a.Raw)
		case strings.Contains(a.Value, "android.net"):
			out = append(out, a.Value)
		}
	}
	return out
}

// ParseEntries 解析 aapt list 输出
func ParseEntries(listing string) []string {
	var out []string
	for _, line := range strings.Split(listing, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
