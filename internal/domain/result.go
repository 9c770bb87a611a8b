package domain

import "time"

// Coords - точка на карте (широта/долгота центроида страны).
type Coords struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Arc - дуга атаки для визуализации. Src пустой, если атакующий неизвестен.
type Arc struct {
	Src *Coords `json:"src"`
	Dst Coords  `json:"dst"`
}

// Geo - результат георезолвера: дуга и имена стран, реально использованные для отрисовки.
type Geo struct {
	Arc      Arc    `json:"arc"`
	Attacker string `json:"attacker"`
	Victim   string `json:"victim"`
	// Fallback - хотя бы одно имя не нашлось в справочнике.
	Fallback bool `json:"fallback,omitempty"`
}

// Summary - структурированный ответ суммаризатора.
type Summary struct {
	Text            string `json:"summary"`
	AttackerCountry string `json:"attacker_country"`
	VictimCountry   string `json:"victim_country"`
}

// ResultRecord - готовая запись лога. Создается один раз на успешно
// суммаризированное событие и больше не меняется.
type ResultRecord struct {
	ID              string    `json:"id"`
	Event           Event     `json:"event"`
	Summary         string    `json:"summary"`
	Arc             *Arc      `json:"arc"`
	AttackerCountry string    `json:"attacker_country"`
	VictimCountry   string    `json:"victim_country"`
	CreatedAt       time.Time `json:"created_at"`
}
