package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/betbot/gotrader/pkg/secretstore"
)

// 把交易所 API 凭证写入加密的 badger 凭证库。
// 凭证来源：-access/-secret 参数，或 .env / 环境变量
// （GOTRADER_ACCESS_KEY / GOTRADER_SECRET_KEY）。
func main() {
	var (
		dbPath    = flag.String("db", getenv("GOTRADER_SECRETS_PATH", "data/secrets.badger"), "badger 凭证库路径")
		secretKey = flag.String("key", getenv("GOTRADER_SECRETS_KEY", ""), "库加密密钥（32 字节 base64/hex）")
		envPath   = flag.String("env", ".env", ".env 文件路径（不存在则忽略）")
		accessKey = flag.String("access", "", "交易所 access key（空=取环境变量）")
		secret    = flag.String("secret", "", "交易所 secret key（空=取环境变量）")
	)
	flag.Parse()

	_ = godotenv.Load(*envPath)

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("加密密钥必填：设置 GOTRADER_SECRETS_KEY 或传 -key"))
	}

	creds := secretstore.Credentials{
		AccessKey: firstNonEmpty(*accessKey, os.Getenv("GOTRADER_ACCESS_KEY")),
		SecretKey: firstNonEmpty(*secret, os.Getenv("GOTRADER_SECRET_KEY")),
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
	})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	if err := ss.StoreCredentials(creds); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "凭证已写入 %s\n", *dbPath)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "错误：%v\n", err)
	os.Exit(1)
}
