package config

import (
    "log"
    "os"

    "gopkg.in/yaml.v2"
)

type Config struct {
    Server struct {
        Port string `yaml:"port"`
    } `yaml:"server"`
    MySQL struct {
        DSN string `yaml:"dsn"`
    } `yaml:"mysql"`

    Redis struct {
        Addr     string `yaml:"addr"`
        Password string `yaml:"password"`
    } `yaml:"redis"`
    Worker struct {
        Addr string `yaml:"addr"`
    } `yaml:"worker"`
    MinIO struct {
        Endpoint  string `yaml:"endpoint"`
        AccessKey string `yaml:"access_key"`
        SecretKey string `yaml:"secret_key"`
        Bucket    string `yaml:"bucket"`
        UseSSL    bool   `yaml:"use_ssl"`
        Domain    string `yaml:"domain"`
    } `yaml:"minio"`

    // 质量门禁配置：渲染前的评分阈值与覆盖角色
    QualityGate struct {
        MinimumProjectScore   float64 `yaml:"minimum_project_score"`
        PrivilegedRole        string  `yaml:"privileged_role"`
        ReportCacheTTLSeconds int     `yaml:"report_cache_ttl_seconds"`
    } `yaml:"quality_gate"`
}

var AppConfig *Config

func InitConfig() {
    f, err := os.Open("config/config.yaml")
    if err != nil {
        log.Fatalf("配置文件读取失败: %v", err)
    }
    defer f.Close()
    decoder := yaml.NewDecoder(f)
    AppConfig = &Config{}
    if err := decoder.Decode(AppConfig); err != nil {
        log.Fatalf("配置文件解析失败: %v", err)
    }
    ApplyDefaults(AppConfig)
}

// ApplyDefaults 填充缺省配置（yaml 未提供时生效）
func ApplyDefaults(c *Config) {
    if c.QualityGate.MinimumProjectScore <= 0 {
        c.QualityGate.MinimumProjectScore = 75
    }
    if c.QualityGate.PrivilegedRole == "" {
        c.QualityGate.PrivilegedRole = "admin"
    }
    if c.QualityGate.ReportCacheTTLSeconds <= 0 {
        c.QualityGate.ReportCacheTTLSeconds = 30
    }
}
