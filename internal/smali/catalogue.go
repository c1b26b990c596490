package smali

import (
	"fmt"
	"strings"
)

// RuleKind 规则类型
type RuleKind int

const (
	// RuleSimple 命中即产生固定标签
	RuleSimple RuleKind = iota
	// RuleContextual 标签取自匹配行之前第 LookBehind 行中的第一个引号字面量，缺失则跳过
	RuleContextual
	// RuleInline 标签由固定标签和同一行分隔符之前的内容组成
	RuleInline
)

// Rule 行为模式规则
type Rule struct {
	Pattern    string   // 字面子串
	Label      string   // 固定标签；Contextual 时为格式模板
	Kind       RuleKind // 规则类型
	LookBehind int      // Contextual：向前回看的行数
	Delimiter  string   // Inline：分隔符
}

// Apply 对已命中的行计算标签，ok 为 false 表示本次命中不产生标签
func (r Rule) Apply(lines []string, idx int) (string, bool) {
	switch r.Kind {
	case RuleContextual:
		at := idx - r.LookBehind
		if at < 0 || at >= len(lines) {
			return "", false
		}
		literal, ok := quotedLiteral(lines[at])
		if !ok {
			return "", false
		}
		return fmt.Sprintf(r.Label, literal), true

	case RuleInline:
		line := strings.TrimSpace(lines[idx])
		head := line
		if i := strings.Index(line, r.Delimiter); i > 0 {
			head = line[:i]
		}
		head = strings.TrimSpace(head)
		if head == "" || strings.Contains(head, r.Pattern) {
			return r.Label, r.Label != ""
		}
		return r.Label + " " + head, true

	default:
		return r.Label, r.Label != ""
	}
}

// quotedLiteral 返回行内第一对双引号之间的内容
func quotedLiteral(line string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(line), `"`, 3)
	if len(parts) < 2 {
		return "", false
	}
	return parts[1], true
}

// DefaultCatalogue 内置行为模式目录，按顺序独立匹配
func DefaultCatalogue() []Rule {
	return []Rule{
		{Pattern: "Cipher", Label: "Cipher(%s)", Kind: RuleContextual, LookBehind: 2},
		{Pattern: "Ljava/net/HttpURLconnection;->setRequestMethod(Ljava/lang/String;)", Label: "HTTP GET/POST"},
		{Pattern: "Ljava/net/HttpURLconnection", Label: "HttpURLconnection"},
		{Pattern: "getExternalStorageDirectory", Label: "Read/Write External Storage"},
		{Pattern: "getSimCountryIso", Label: "getSimCountryIso"},
		{Pattern: "execHttpRequest", Label: "execHttpRequest"},
		{Pattern: "Lorg/apache/http/client/methods/HttpPost", Label: "HttpPost", Kind: RuleInline, Delimiter: " "},
		{Pattern: "Landroid/telephony/SmsMessage;->getMessageBody", Label: "readSMS"},
		{Pattern: "sendTextMessage", Label: "sendSMS"},
		{Pattern: "getSubscriberId", Label: "getSubscriberId"},
		{Pattern: "getDeviceId", Label: "getDeviceId"},
		{Pattern: "getPackageInfo", Label: "getPackageInfo"},
		{Pattern: "getSystemService", Label: "getSystemService"},
		{Pattern: "getWifiState", Label: "getWifiState"},
		{Pattern: "system/bin/su", Label: "system/bin/su"},
		{Pattern: "setWifiEnabled", Label: "setWifiEnabled"},
		{Pattern: "setWifiDisabled", Label: "setWifiDisabled"},
		{Pattern: "getCellLocation", Label: "getCellLocation"},
		{Pattern: "getNetworkCountryIso", Label: "getNetworkCountryIso"},
		{Pattern: "SystemClock.uptimeMillis", Label: "SystemClock.uptimeMillis"},
		{Pattern: "getCellSignalStrength", Label: "getCellSignalStrength"},
		{Pattern: "Landroid/os/Build;->BRAND:Ljava/lang/String", Label: "Access Device Info (BRAND)"},
		{Pattern: "Landroid/os/Build;->DEVICE:Ljava/lang/String", Label: "Access Device Info (DEVICE)"},
		{Pattern: "Landroid/os/Build;->MODEL:Ljava/lang/String", Label: "Access Device Info (MODEL)"},
		{Pattern: "Landroid/os/Build;->PRODUCT:Ljava/lang/String", Label: "Access Device Info (PRODUCT)"},
		{Pattern: "Landroid/os/Build;->FINGERPRINT:Ljava/lang/String", Label: "Access Device Info (FINGERPRINT)"},
		{Pattern: "adb_enabled", Label: "Check if adb is enabled"},
		{Pattern: "Ljava/io/IOException;->printStackTrace", Label: "printStackTrace"},
		{Pattern: "Ljava/lang/Runtime;->exec", Label: "Execution of external commands"},
		{Pattern: "Ljava/lang/System;->loadLibrary", Label: "Loading of external Libraries (loadLibrary)"},
		{Pattern: "Ljava/lang/System;->load", Label: "Loading of external Libraries (load)"},
		{Pattern: "Ldalvik/system/DexClassLoader;", Label: "Loading of external Libraries (DexClassLoader)"},
		{Pattern: "Ldalvik/system/SecureClassLoader;", Label: "Loading of external Libraries (SecureClassLoader)"},
		{Pattern: "Ldalvik/system/PathClassLoader;", Label: "Loading of external Libraries (PathClassLoader)"},
		{Pattern: "Ldalvik/system/BaseDexClassLoader;", Label: "Loading of external Libraries (BaseDexClassLoader)"},
		{Pattern: "Ldalvik/system/URLClassLoader;", Label: "Loading of external Libraries (URLClassLoader)"},
		{Pattern: "android/os/Exec", Label: "Execution of native code"},
		{Pattern: "Base64", Label: "Obfuscation(Base64)"},
	}
}
