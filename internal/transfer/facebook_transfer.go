package transfer

type FacebookPage struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	AccessToken string `json:"access_token"`
}

type FacebookPagesResponse struct {
	Data   []FacebookPage `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}
