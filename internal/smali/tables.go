package smali

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

//go:embed data/ads.csv
var defaultAds []byte

//go:embed data/APIcalls.txt
var defaultAPICalls []byte

// AdEntry 广告库条目
type AdEntry struct {
	Name string // 广告网络名称
	Path string // smali 路径片段
}

// AdTable 广告库参考表（保持文件顺序）
type AdTable []AdEntry

// LoadAdTable 读取 name;path 格式的广告库表，path 为空时使用内置表
func LoadAdTable(path string) (AdTable, error) {
	if path == "" {
		return parseAdTable(bytes.NewReader(defaultAds))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ad table: %w", err)
	}
	defer f.Close()
	return parseAdTable(f)
}

func parseAdTable(r io.Reader) (AdTable, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var table AdTable
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse ad table: %w", err)
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("failed to parse ad table: malformed record %q", strings.Join(rec, ";"))
		}
		table = append(table, AdEntry{Name: strings.TrimSpace(rec[0]), Path: strings.TrimSpace(rec[1])})
	}
	return table, nil
}

// APIMapping API 签名到权限的映射
type APIMapping struct {
	API        string
	Permission string
}

// APITable API 权限参考表
type APITable []APIMapping

// LoadAPITable 读取 api|permission 格式的映射表，path 为空时使用内置表
func LoadAPITable(path string) (APITable, error) {
	if path == "" {
		return parseAPITable(bytes.NewReader(defaultAPICalls))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open api table: %w", err)
	}
	defer f.Close()
	return parseAPITable(f)
}

func parseAPITable(r io.Reader) (APITable, error) {
	var table APITable
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 2 {
			return nil, fmt.Errorf("failed to parse api table: line %d: %q", lineNum, line)
		}
		table = append(table, APIMapping{API: parts[0], Permission: strings.TrimSpace(parts[1])})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read api table: %w", err)
	}
	return table, nil
}
