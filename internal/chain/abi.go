package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	OpSubmitDonation    = "submit_donation"
	OpCreateAuction     = "create_auction"
	OpFinalizeAuction   = "finalize_auction"
	OpMintAchievement   = "mint_achievement"
	OpGetAuction        = "get_auction"
	OpVerifyTransaction = "verify_transaction"
)

// Only the entries the engine calls are declared.
const donationContractABI = `[
  {"type":"function","name":"recordFiatDonation","stateMutability":"nonpayable","inputs":[
    {"name":"donor","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"currency","type":"string"},
    {"name":"externalTxId","type":"string"},
    {"name":"patientId","type":"string"},
    {"name":"isAnonymous","type":"bool"}
  ],"outputs":[]}
]`

const auctionContractABI = `[
  {"type":"function","name":"createAuction","stateMutability":"nonpayable","inputs":[
    {"name":"seller","type":"address"},
    {"name":"startingBid","type":"uint256"},
    {"name":"duration","type":"uint256"},
    {"name":"itemName","type":"string"},
    {"name":"itemDescription","type":"string"},
    {"name":"itemImageUrl","type":"string"},
    {"name":"tokenURI","type":"string"}
  ],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"finalizeAuction","stateMutability":"nonpayable","inputs":[
    {"name":"auctionId","type":"uint256"}
  ],"outputs":[]},
  {"type":"function","name":"getAuction","stateMutability":"view","inputs":[
    {"name":"auctionId","type":"uint256"}
  ],"outputs":[
    {"name":"tokenId","type":"uint256"},
    {"name":"seller","type":"address"},
    {"name":"startingBid","type":"uint256"},
    {"name":"currentBid","type":"uint256"},
    {"name":"currentBidder","type":"address"},
    {"name":"startTime","type":"uint256"},
    {"name":"endTime","type":"uint256"},
    {"name":"active","type":"bool"},
    {"name":"finalized","type":"bool"},
    {"name":"itemName","type":"string"},
    {"name":"itemDescription","type":"string"},
    {"name":"itemImageUrl","type":"string"}
  ]},
  {"type":"event","name":"AuctionCreated","anonymous":false,"inputs":[
    {"name":"auctionId","type":"uint256","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"seller","type":"address","indexed":true},
    {"name":"startingBid","type":"uint256","indexed":false},
    {"name":"endTime","type":"uint256","indexed":false}
  ]}
]`

const achievementContractABI = `[
  {"type":"function","name":"mintAchievement","stateMutability":"nonpayable","inputs":[
    {"name":"recipient","type":"address"},
    {"name":"achievementType","type":"string"},
    {"name":"tier","type":"string"},
    {"name":"value","type":"uint256"},
    {"name":"tokenURI","type":"string"}
  ],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"AchievementMinted","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"recipient","type":"address","indexed":true},
    {"name":"achievementType","type":"string","indexed":false},
    {"name":"tier","type":"string","indexed":false}
  ]}
]`

type contractABIs struct {
	donation    abi.ABI
	auction     abi.ABI
	achievement abi.ABI
}

func parseABIs() (contractABIs, error) {
	var out contractABIs
	var err error
	if out.donation, err = abi.JSON(strings.NewReader(donationContractABI)); err != nil {
		return out, err
	}
	if out.auction, err = abi.JSON(strings.NewReader(auctionContractABI)); err != nil {
		return out, err
	}
	if out.achievement, err = abi.JSON(strings.NewReader(achievementContractABI)); err != nil {
		return out, err
	}
	return out, nil
}
