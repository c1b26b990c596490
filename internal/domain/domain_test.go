package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFindings_Dedup 测试去重并保持首次出现顺序
func TestFindings_Dedup(t *testing.T) {
	var f Findings
	assert.True(t, f.Add("b"))
	assert.True(t, f.Add("a"))
	assert.False(t, f.Add("b"))
	assert.False(t, f.Add("   "))
	assert.False(t, f.Add("\x00"))
	assert.True(t, f.Add("c\x01"))
	assert.False(t, f.Add("c"))

	assert.Equal(t, []string{"b", "a", "c"}, f.Values())

	f.Reset()
	assert.Equal(t, 0, f.Len())
}

// TestRawReport_Defaults 测试报告默认标量值
func TestRawReport_Defaults(t *testing.T) {
	s := NewSample("/tmp/samples/My App.apk")
	s.SHA256 = "ABC"
	s.MD5 = "DEF"

	r := NewRawReport(s)
	assert.Equal(t, "ABC", r.SHA256)
	assert.Equal(t, "DEF", r.MD5)
	assert.Equal(t, "My App", r.APKName)
	assert.Equal(t, NoLabel, r.PackageName)
	assert.Equal(t, NoLabel, r.SDKVersion)
	assert.Equal(t, NotAvailable, r.SSDeep)
	for _, c := range AllCategories {
		assert.Empty(t, r.Values(c), c.Key())
	}
}

// TestRawReport_APICalls 测试 API 调用对记录和去重
func TestRawReport_APICalls(t *testing.T) {
	r := NewRawReport(nil)
	// 多个 smali 文件命中同一对时只记录一次
	r.AddAPICall("Landroid/telephony/TelephonyManager;->getDeviceId", "android.permission.READ_PHONE_STATE")
	r.AddAPICall("Landroid/telephony/TelephonyManager;->getDeviceId", "android.permission.READ_PHONE_STATE")
	r.AddAPICall("Landroid/telephony/TelephonyManager;->getDeviceId", "android.permission.READ_PRIVILEGED_PHONE_STATE")
	r.AddAPICall("", "ignored")

	assert.Equal(t, []APICall{
		{API: "Landroid/telephony/TelephonyManager;->getDeviceId", Permission: "android.permission.READ_PHONE_STATE"},
		{API: "Landroid/telephony/TelephonyManager;->getDeviceId", Permission: "android.permission.READ_PRIVILEGED_PHONE_STATE"},
	}, r.APICalls())
	assert.Equal(t, []string{"Landroid/telephony/TelephonyManager;->getDeviceId"}, r.Values(CategoryAPICall))

	data, err := r.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"api_calls":[{"api":"Landroid/telephony/TelephonyManager;->getDeviceId"`)
	assert.NotContains(t, string(data), `\u003e`)
}

// TestFeatureVector_MarshalKeepsArrow 测试特征键中的 "->" 不被转义
func TestFeatureVector_MarshalKeepsArrow(t *testing.T) {
	v := NewFeatureVector()
	v.PackageName = "com.a&b<c>"
	v.Set("api_calls::Landroid/telephony/TelephonyManager;->getDeviceId")

	data, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"api_calls::Landroid/telephony/TelephonyManager;->getDeviceId": 1`)
	assert.Contains(t, string(data), `"package_name": "com.a&b<c>"`)
}

// TestStateMachine_HappyPath 测试正常状态迁移
func TestStateMachine_HappyPath(t *testing.T) {
	m := NewStateMachine()
	for _, s := range []TaskState{StateUnpacking, StateScanning, StateAssembling, StatePersisted, StateCleanedUp} {
		require.NoError(t, m.Transition(s))
	}
	assert.True(t, m.Current().IsTerminal())
	assert.False(t, m.Failed())
	assert.Len(t, m.History(), 6)
}

// TestStateMachine_Failure 测试失败后只能进入 CleanedUp
func TestStateMachine_Failure(t *testing.T) {
	m := NewStateMachine()
	require.NoError(t, m.Transition(StateUnpacking))
	require.NoError(t, m.Transition(StateFailed))

	assert.Error(t, m.Transition(StateScanning))
	assert.Error(t, m.Transition(StatePersisted))
	require.NoError(t, m.Transition(StateCleanedUp))
	assert.True(t, m.Failed())
	assert.Error(t, m.Transition(StateUnpacking))
}

// TestFeatureVector_JSON 测试向量序列化保持键顺序
func TestFeatureVector_JSON(t *testing.T) {
	v := NewFeatureVector()
	v.SHA256 = "AA"
	v.PackageName = "com.example"
	v.Set("urls::http://evil_test/c2")
	v.Set("app_permissions::INTERNET")
	v.Set("urls::http://evil_test/c2")

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"urls::http://evil_test/c2":1`)

	var back FeatureVector
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, v.Keys(), back.Keys())
	assert.Equal(t, "AA", back.SHA256)
	assert.Equal(t, "com.example", back.PackageName)

	again, err := json.Marshal(&back)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

// TestTaskError 测试错误包装
func TestTaskError(t *testing.T) {
	err := &TaskError{Sample: "x", State: StateUnpacking, Err: ErrInvalidArchive}
	assert.ErrorIs(t, err, ErrInvalidArchive)
	assert.Contains(t, err.Error(), "unpacking")
	assert.False(t, IsCancelled(err))
}

// TestParseCategory 测试类别命名空间解析
func TestParseCategory(t *testing.T) {
	c, ok := ParseCategory("s_and_r")
	require.True(t, ok)
	assert.Equal(t, CategoryServiceOrReceiver, c)

	_, ok = ParseCategory("nope")
	assert.False(t, ok)
}
