package dozer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
)

const toaRequestTimeout = 10 * time.Second

// TOAClient talks to The Orange Alliance API for FIRST Tech Challenge
// team data.
type TOAClient struct {
	baseURL    string
	key        string
	appName    string
	httpClient *http.Client
}

func NewTOAClient(config *TOAConfig, httpClient *http.Client) *TOAClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: toaRequestTimeout}
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultTOABaseURL
	}
	return &TOAClient{
		baseURL:    baseURL,
		key:        config.Key,
		appName:    config.AppName,
		httpClient: httpClient,
	}
}

// TOATeam is one team entry from the TOA API.
type TOATeam struct {
	TeamKey       string `json:"team_key"`
	TeamNumber    int    `json:"team_number"`
	TeamNameShort string `json:"team_name_short"`
	TeamNameLong  string `json:"team_name_long"`
	RobotName     string `json:"robot_name"`
	City          string `json:"city"`
	StateProv     string `json:"state_prov"`
	Country       string `json:"country"`
	RookieYear    int    `json:"rookie_year"`
	Website       string `json:"website"`
}

// Team fetches a single team by number. A team that doesn't exist
// returns nil without an error.
func (t *TOAClient) Team(ctx context.Context, number int) (*TOATeam, error) {
	endpoint := fmt.Sprintf(
		"%s/team/%s",
		t.baseURL,
		url.PathEscape(strconv.Itoa(number)),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-TOA-Key", t.key)
	req.Header.Set("X-Application-Origin", t.appName)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error requesting team %d: %w", number, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf(
			"unexpected status %d from TOA: %s",
			resp.StatusCode, truncate(string(body), 128),
		)
	}

	var teams []TOATeam
	if err = json.NewDecoder(resp.Body).Decode(&teams); err != nil {
		return nil, fmt.Errorf("error decoding TOA response: %w", err)
	}
	if len(teams) == 0 {
		return nil, nil
	}
	return &teams[0], nil
}

// TOACog exposes FIRST Tech Challenge team lookups.
type TOACog struct {
	d      *Dozer
	client *TOAClient
}

func registerTOACog(d *Dozer) error {
	cog := &TOACog{
		d:      d,
		client: NewTOAClient(d.config.TOA, d.config.HTTPClient),
	}
	return d.RegisterCommand(cog.toaCommand())
}

func (cog *TOACog) toaCommand() *Command {
	return &Command{
		Name:     "toa",
		Aliases:  []string{"ftc"},
		Help:     "Shows information about a FIRST Tech Challenge team",
		Example:  "toa team 4418",
		Cooldown: 5 * time.Second,
		Run: func(c *Context) error {
			args := c.Args
			if len(args) > 0 && args[0] == "team" {
				args = args[1:]
			}
			if len(args) == 0 {
				return NewUserInputError("expected a team number")
			}
			number, err := strconv.Atoi(args[0])
			if err != nil || number <= 0 {
				return NewUserInputError("couldn't parse %q as a team number", args[0])
			}

			ctx, cancel := context.WithTimeout(c.Ctx, toaRequestTimeout)
			defer cancel()
			team, err := cog.client.Team(ctx, number)
			if err != nil {
				return err
			}
			if team == nil {
				return NewUserInputError("no team found with number %d", number)
			}

			fields := []*discordgo.MessageEmbedField{
				{
					Name:   "Location",
					Value:  fmt.Sprintf("%s, %s, %s", team.City, team.StateProv, team.Country),
					Inline: true,
				},
			}
			if team.RookieYear > 0 {
				fields = append(
					fields, &discordgo.MessageEmbedField{
						Name:   "Rookie year",
						Value:  strconv.Itoa(team.RookieYear),
						Inline: true,
					},
				)
			}
			if team.RobotName != "" {
				fields = append(
					fields, &discordgo.MessageEmbedField{
						Name:   "Robot",
						Value:  team.RobotName,
						Inline: true,
					},
				)
			}
			embed := &discordgo.MessageEmbed{
				Title:  fmt.Sprintf("FTC Team %d: %s", team.TeamNumber, team.TeamNameShort),
				URL:    fmt.Sprintf("https://theorangealliance.org/teams/%s", team.TeamKey),
				Fields: fields,
				Color:  embedColorGreen,
			}
			if team.Website != "" {
				embed.Description = team.Website
			}
			return c.SendEmbed(embed)
		},
	}
}
