package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vigil-hq/vigil/internal/rules"
)

const levelSection = `
	<alertLevels>
		<alertLevel>
			<general level="1" name="burglary" triggerAlways="False"/>
			<smtp emailAlert="True" toAddr="ops@example.org"/>
			<rules activated="True">
				<rule order="1" minTimeAfterPrev="0" maxTimeAfterPrev="0" counterActivated="False">
					<sensor username="s1" remoteSensorId="7" timeTriggeredFor="0"/>
				</rule>
			</rules>
		</alertLevel>
	</alertLevels>`

// writeConfig renders a complete config file around the given alert level
// section, creating throwaway cert files so validation passes.
func writeConfig(t *testing.T, levels string) string {
	t.Helper()
	dir := t.TempDir()
	cert := filepath.Join(dir, "server.crt")
	key := filepath.Join(dir, "server.key")
	for _, f := range []string{cert, key} {
		if err := os.WriteFile(f, []byte("x"), 0o600); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}

	content := fmt.Sprintf(`<?xml version="1.0"?>
<config version="0.3">
	<general>
		<log file="" level="info"/>
		<server certFile=%q keyFile=%q port="44556"/>
		<client useClientCertificates="False"/>
	</general>
	<smtp>
		<general activated="False" fromAddr="" toAddr=""/>
		<server host="" port="0"/>
	</smtp>
	<storage>
		<userBackend method="csv" file="users.csv"/>
		<storageBackend method="sqlite" file="vigil.db"/>
	</storage>
%s
</config>`, cert, key, levels)

	path := filepath.Join(dir, "config.xml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMinimalConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, levelSection), 0.3)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 44556 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Server.ConnectionTimeout != DefaultConnectionTimeout {
		t.Errorf("connectionTimeout = %v", cfg.Server.ConnectionTimeout)
	}
	if cfg.Storage.Method != "sqlite" || cfg.Storage.File != "vigil.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}

	level := cfg.Level(1)
	if level == nil {
		t.Fatal("level 1 not parsed")
	}
	if level.Name != "burglary" || !level.SMTPActivated || level.ToAddr != "ops@example.org" {
		t.Errorf("level = %+v", level)
	}
	if !level.RulesActivated || len(level.Rules) != 1 {
		t.Fatalf("rules = %+v", level.Rules)
	}
	root := level.Rules[0].Root
	if root.Kind != rules.KindSensor || root.Sensor.Username != "s1" || root.Sensor.RemoteSensorID != 7 {
		t.Errorf("root = %+v", root)
	}
}

func TestLoadRejectsVersionMismatch(t *testing.T) {
	_, err := Load(writeConfig(t, levelSection), 0.4)
	if err == nil || !strings.Contains(err.Error(), "version") {
		t.Errorf("err = %v, want version mismatch", err)
	}
}

func TestNestedBooleanRule(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
	<alertLevels>
		<alertLevel>
			<general level="2" name="night" triggerAlways="False"/>
			<smtp emailAlert="False" toAddr=""/>
			<rules activated="True">
				<rule order="1" minTimeAfterPrev="0" maxTimeAfterPrev="0" counterActivated="False">
					<and>
						<sensor username="s1" remoteSensorId="7" timeTriggeredFor="0"/>
						<not>
							<hour time="local" start="8" end="17"/>
						</not>
					</and>
				</rule>
			</rules>
		</alertLevel>
	</alertLevels>`), 0.3)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	root := cfg.Level(2).Rules[0].Root
	if root.Kind != rules.KindBoolean || root.Bool.Op != rules.OpAnd || len(root.Bool.Children) != 2 {
		t.Fatalf("root = %+v", root)
	}
	not := root.Bool.Children[1]
	if not.Kind != rules.KindBoolean || not.Bool.Op != rules.OpNot || len(not.Bool.Children) != 1 {
		t.Fatalf("not = %+v", not)
	}
	hour := not.Bool.Children[0]
	if hour.Kind != rules.KindHour || hour.Hour.Start != 8 || hour.Hour.End != 17 || hour.Hour.Base != rules.TimeLocal {
		t.Errorf("hour = %+v", hour)
	}
}

func TestRulesOrderedByOrderAttribute(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
	<alertLevels>
		<alertLevel>
			<general level="3" name="chain" triggerAlways="False"/>
			<smtp emailAlert="False" toAddr=""/>
			<rules activated="True">
				<rule order="2" minTimeAfterPrev="1" maxTimeAfterPrev="5" counterActivated="False">
					<sensor username="s1" remoteSensorId="8" timeTriggeredFor="0"/>
				</rule>
				<rule order="1" minTimeAfterPrev="0" maxTimeAfterPrev="0" counterActivated="False">
					<sensor username="s1" remoteSensorId="7" timeTriggeredFor="0"/>
				</rule>
			</rules>
		</alertLevel>
	</alertLevels>`), 0.3)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	parsed := cfg.Level(3).Rules
	if parsed[0].Order != 1 || parsed[1].Order != 2 {
		t.Errorf("rules not sorted by order: %d, %d", parsed[0].Order, parsed[1].Order)
	}
}

func TestLoadRejectsBadLevels(t *testing.T) {
	cases := []struct {
		name   string
		levels string
		want   string
	}{
		{
			"duplicate level",
			`<alertLevels>
				<alertLevel><general level="1" name="a" triggerAlways="True"/><rules activated="False"/></alertLevel>
				<alertLevel><general level="1" name="b" triggerAlways="True"/><rules activated="False"/></alertLevel>
			</alertLevels>`,
			"duplicate alert level",
		},
		{
			"duplicate rule order",
			`<alertLevels><alertLevel>
				<general level="1" name="a" triggerAlways="False"/>
				<rules activated="True">
					<rule order="1" minTimeAfterPrev="0" maxTimeAfterPrev="0" counterActivated="False"><sensor username="s1" remoteSensorId="7" timeTriggeredFor="0"/></rule>
					<rule order="1" minTimeAfterPrev="0" maxTimeAfterPrev="0" counterActivated="False"><sensor username="s1" remoteSensorId="8" timeTriggeredFor="0"/></rule>
				</rules>
			</alertLevel></alertLevels>`,
			"duplicate rule order",
		},
		{
			"window min above max",
			`<alertLevels><alertLevel>
				<general level="1" name="a" triggerAlways="False"/>
				<rules activated="True">
					<rule order="1" minTimeAfterPrev="5" maxTimeAfterPrev="1" counterActivated="False"><sensor username="s1" remoteSensorId="7" timeTriggeredFor="0"/></rule>
				</rules>
			</alertLevel></alertLevels>`,
			"invalid time window",
		},
		{
			"not with two children",
			`<alertLevels><alertLevel>
				<general level="1" name="a" triggerAlways="False"/>
				<rules activated="True">
					<rule order="1" minTimeAfterPrev="0" maxTimeAfterPrev="0" counterActivated="False">
						<not>
							<sensor username="s1" remoteSensorId="7" timeTriggeredFor="0"/>
							<sensor username="s1" remoteSensorId="8" timeTriggeredFor="0"/>
						</not>
					</rule>
				</rules>
			</alertLevel></alertLevels>`,
			"exactly one child",
		},
		{
			"hour out of range",
			`<alertLevels><alertLevel>
				<general level="1" name="a" triggerAlways="False"/>
				<rules activated="True">
					<rule order="1" minTimeAfterPrev="0" maxTimeAfterPrev="0" counterActivated="False">
						<hour time="local" start="8" end="25"/>
					</rule>
				</rules>
			</alertLevel></alertLevels>`,
			"hour range",
		},
		{
			"bad time base",
			`<alertLevels><alertLevel>
				<general level="1" name="a" triggerAlways="False"/>
				<rules activated="True">
					<rule order="1" minTimeAfterPrev="0" maxTimeAfterPrev="0" counterActivated="False">
						<weekday time="mars" weekday="1"/>
					</rule>
				</rules>
			</alertLevel></alertLevels>`,
			"time base",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.levels), 0.3)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestBuildLoggerLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warning", "error", "critical"} {
		logger, err := BuildLogger(LogConfig{Level: lvl})
		if err != nil {
			t.Errorf("BuildLogger(%s): %v", lvl, err)
			continue
		}
		_ = logger.Sync()
	}
	if _, err := BuildLogger(LogConfig{Level: "verbose"}); err == nil {
		t.Error("want error for unknown level")
	}
}
